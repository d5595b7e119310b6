// Package graphtest runs an in-process fake of the management API and of the
// block blob storage it hands out upload URIs for.
package graphtest

import (
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// Operation names used for failure injection and call counting.
const (
	OpCreateApp     = "create_app"
	OpGetApp        = "get_app"
	OpPatchApp      = "patch_app"
	OpDeleteApp     = "delete_app"
	OpCreateVersion = "create_version"
	OpGetVersion    = "get_version"
	OpCreateFile    = "create_file"
	OpGetFile       = "get_file"
	OpCommit        = "commit"
	OpPutBlock      = "put_block"
	OpPutBlockList  = "put_block_list"
)

// SASQuery is appended to every storage URI handed out by the server.
const SASQuery = "sv=2020-10-02&sr=b&sig=fake"

type file struct {
	lob.ContentFile

	appID      string
	versionID  string
	uriPolls   int
	commitPoll int
	encryption lob.EncryptionInfo
	blocks     map[string][]byte
	blockList  []string
	blob       []byte
}

type app struct {
	fields    map[string]any
	readDelay int
	versions  int
}

// Server is the fake. All exported methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	token         string
	apps          map[string]*app
	files         map[string]*file
	calls         map[string]int
	failures      map[string]int
	failAfter     map[string]int
	uriDelay      int
	uriFailure    bool
	commitDelay   int
	commitOutcome lob.UploadState
	appReadDelay  int
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		apps:          make(map[string]*app),
		files:         make(map[string]*file),
		calls:         make(map[string]int),
		failures:      make(map[string]int),
		failAfter:     make(map[string]int),
		commitOutcome: lob.UploadStateCommitSuccess,
	}

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(stampRequestID)

	r.Route("/deviceAppManagement/mobileApps", func(r chi.Router) {
		r.Post("/", s.createApp)
		r.Get("/{appID}", s.getApp)
		r.Patch("/{appID}", s.patchApp)
		r.Delete("/{appID}", s.deleteApp)

		r.Route("/{appID}/microsoft.graph.win32LobApp/contentVersions", func(r chi.Router) {
			r.Post("/", s.createVersion)
			r.Get("/{versionID}", s.getVersion)
			r.Post("/{versionID}/files", s.createFile)
			r.Get("/{versionID}/files/{fileID}", s.getFile)
			r.Post("/{versionID}/files/{fileID}/commit", s.commit)
		})
	})

	r.Put("/blob/{fileID}", s.putBlob)

	return r
}

// RequireToken makes every management call demand this bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

// FailOn makes every call of op answer with status.
func (s *Server) FailOn(op string, status int) {
	s.FailOnAfter(op, status, 0)
}

// FailOnAfter lets the first n calls of op succeed and fails the rest with status.
func (s *Server) FailOnAfter(op string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[op] = status
	s.failAfter[op] = n
}

// SetURIDelay keeps new files pending for n reads before assigning a storage URI.
func (s *Server) SetURIDelay(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uriDelay = n
}

// SetURIFailure makes storage URI assignment fail.
func (s *Server) SetURIFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uriFailure = fail
}

// SetCommit sets how many reads a commit stays pending and the state it ends in.
// An outcome of lob.UploadStateCommitPending never completes.
func (s *Server) SetCommit(delay int, outcome lob.UploadState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commitDelay = delay
	s.commitOutcome = outcome
}

// SetAppReadDelay answers not found for the first n reads of a new app.
func (s *Server) SetAppReadDelay(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appReadDelay = n
}

// SeedApp stores an existing app and returns its id.
func (s *Server) SeedApp(displayName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.apps[id] = &app{fields: map[string]any{
		"@odata.type": "#microsoft.graph.win32LobApp",
		"id":          id,
		"displayName": displayName,
	}}

	return id
}

// Calls returns how many requests reached op.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[op]
}

// AppExists reports whether the app is stored.
func (s *Server) AppExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.apps[id]

	return ok
}

// AppField returns a stored field of an app.
func (s *Server) AppField(id, name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.apps[id]
	if !ok {
		return nil
	}

	return stored.fields[name]
}

// Files returns snapshots of every registered content file.
func (s *Server) Files() []lob.ContentFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]lob.ContentFile, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f.ContentFile)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })

	return files
}

// Encryption returns the encryption info submitted on commit.
func (s *Server) Encryption(fileID string) lob.EncryptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[fileID]; ok {
		return f.encryption
	}

	return lob.EncryptionInfo{}
}

// BlockList returns the finalized block ids of a file.
func (s *Server) BlockList(fileID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[fileID]; ok {
		return append([]string(nil), f.blockList...)
	}

	return nil
}

// Blob returns the bytes assembled by the block list.
func (s *Server) Blob(fileID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[fileID]; ok {
		return append([]byte(nil), f.blob...)
	}

	return nil
}

// enter counts the call and reports the injected failure status, if any.
// The caller must hold s.mu.
func (s *Server) enter(op string, r *http.Request) int {
	s.calls[op]++

	if s.token != "" && !strings.HasPrefix(r.URL.Path, "/blob/") &&
		r.Header.Get("Authorization") != "Bearer "+s.token {
		return http.StatusUnauthorized
	}

	status, ok := s.failures[op]
	if ok && s.calls[op] > s.failAfter[op] {
		return status
	}

	return 0
}

// stampRequestID tags every response with a request-id header like the real service.
func stampRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("request-id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := uuid.NewString()
	w.Header().Set("request-id", requestID)

	render.Status(r, status)
	render.JSON(w, r, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"innerError": map[string]any{
				"request-id": requestID,
			},
		},
	})
}

func writeInjected(w http.ResponseWriter, r *http.Request, status int) {
	code := "InternalServerError"

	switch status {
	case http.StatusUnauthorized:
		code = "InvalidAuthenticationToken"
	case http.StatusForbidden:
		code = "Forbidden"
	case http.StatusNotFound:
		code = "ResourceNotFound"
	case http.StatusBadRequest:
		code = "BadRequest"
	}

	writeError(w, r, status, code, "injected failure")
}

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpCreateApp, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	fields := make(map[string]any)
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, r, http.StatusBadRequest, "BadRequest", err.Error())

		return
	}

	if fields["displayName"] == nil || fields["displayName"] == "" {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "displayName is required")

		return
	}

	id := uuid.NewString()
	fields["id"] = id
	fields["publishingState"] = "notPublished"
	s.apps[id] = &app{fields: fields, readDelay: s.appReadDelay}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, fields)
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpGetApp, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	stored, ok := s.lookupApp(w, r)
	if !ok {
		return
	}

	if stored.readDelay > 0 {
		stored.readDelay--
		writeError(w, r, http.StatusNotFound, "ResourceNotFound", "app is not replicated yet")

		return
	}

	render.JSON(w, r, stored.fields)
}

func (s *Server) patchApp(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpPatchApp, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	stored, ok := s.lookupApp(w, r)
	if !ok {
		return
	}

	patch := make(map[string]any)
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, r, http.StatusBadRequest, "BadRequest", err.Error())

		return
	}

	for key, value := range patch {
		if key == "@odata.type" || key == "id" {
			continue
		}

		stored.fields[key] = value
	}

	if patch["committedContentVersion"] != nil {
		stored.fields["publishingState"] = "published"
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteApp(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpDeleteApp, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	if _, ok := s.lookupApp(w, r); !ok {
		return
	}

	delete(s.apps, chi.URLParam(r, "appID"))

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpCreateVersion, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	stored, ok := s.lookupApp(w, r)
	if !ok {
		return
	}

	stored.versions++

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{
		"@odata.type": "#microsoft.graph.mobileAppContent",
		"id":          strconv.Itoa(stored.versions),
	})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpGetVersion, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	stored, ok := s.lookupApp(w, r)
	if !ok {
		return
	}

	versionID := chi.URLParam(r, "versionID")
	if n, err := strconv.Atoi(versionID); err != nil || n < 1 || n > stored.versions {
		writeError(w, r, http.StatusNotFound, "ResourceNotFound", "content version not found")

		return
	}

	render.JSON(w, r, map[string]any{"id": versionID})
}

type fileRequest struct {
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	SizeEncrypted int64  `json:"sizeEncrypted"`
}

func (s *Server) createFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpCreateFile, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	if _, ok := s.lookupApp(w, r); !ok {
		return
	}

	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BadRequest", err.Error())

		return
	}

	created := &file{
		ContentFile: lob.ContentFile{
			ID:            uuid.NewString(),
			Name:          req.Name,
			Size:          req.Size,
			SizeEncrypted: req.SizeEncrypted,
			UploadState:   lob.UploadStateURIPending,
		},
		appID:     chi.URLParam(r, "appID"),
		versionID: chi.URLParam(r, "versionID"),
		uriPolls:  s.uriDelay,
		blocks:    make(map[string][]byte),
	}

	s.files[created.ID] = created

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, fileJSON(created))
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpGetFile, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	stored, ok := s.lookupFile(w, r)
	if !ok {
		return
	}

	switch stored.UploadState {
	case lob.UploadStateURIPending:
		switch {
		case stored.uriPolls > 0:
			stored.uriPolls--
		case s.uriFailure:
			stored.UploadState = lob.UploadStateURIFailed
		default:
			stored.UploadState = lob.UploadStateURISuccess
			stored.AzureStorageURI = s.URL + "/blob/" + stored.ID + "?" + SASQuery
		}
	case lob.UploadStateCommitPending:
		switch {
		case stored.commitPoll > 0:
			stored.commitPoll--
		case s.commitOutcome == lob.UploadStateCommitSuccess:
			stored.UploadState = lob.UploadStateCommitSuccess
			stored.IsCommitted = true
		default:
			stored.UploadState = s.commitOutcome
		}
	}

	render.JSON(w, r, fileJSON(stored))
}

type commitRequest struct {
	FileEncryptionInfo struct {
		EncryptionKey        string `json:"encryptionKey"`
		MacKey               string `json:"macKey"`
		InitializationVector string `json:"initializationVector"`
		Mac                  string `json:"mac"`
		ProfileIdentifier    string `json:"profileIdentifier"`
		FileDigest           string `json:"fileDigest"`
		FileDigestAlgorithm  string `json:"fileDigestAlgorithm"`
	} `json:"fileEncryptionInfo"`
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(OpCommit, r); status != 0 {
		writeInjected(w, r, status)

		return
	}

	stored, ok := s.lookupFile(w, r)
	if !ok {
		return
	}

	if stored.blockList == nil {
		writeError(w, r, http.StatusBadRequest, "BadRequest", "content has not been uploaded")

		return
	}

	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BadRequest", err.Error())

		return
	}

	info := req.FileEncryptionInfo
	stored.encryption = lob.EncryptionInfo(info)
	stored.UploadState = lob.UploadStateCommitPending
	stored.commitPoll = s.commitDelay

	w.WriteHeader(http.StatusOK)
}

type blockListBody struct {
	Latest []string `xml:"Latest"`
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	op := OpPutBlock
	if query.Get("comp") == "blocklist" {
		op = OpPutBlockList
	}

	body, err := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.enter(op, r); status != 0 {
		http.Error(w, "injected failure", status)

		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	stored, ok := s.files[chi.URLParam(r, "fileID")]
	if !ok || query.Get("sig") == "" {
		http.Error(w, "blob not found", http.StatusNotFound)

		return
	}

	if op == OpPutBlock {
		if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
			http.Error(w, "missing blob type", http.StatusBadRequest)

			return
		}

		blockID := query.Get("blockid")
		if _, err := base64.StdEncoding.DecodeString(blockID); err != nil || blockID == "" {
			http.Error(w, "invalid block id", http.StatusBadRequest)

			return
		}

		stored.blocks[blockID] = body
		w.WriteHeader(http.StatusCreated)

		return
	}

	var list blockListBody
	if err := xml.Unmarshal(body, &list); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	assembled := make([]byte, 0, stored.SizeEncrypted)

	for _, id := range list.Latest {
		block, ok := stored.blocks[id]
		if !ok {
			http.Error(w, fmt.Sprintf("block %s not uploaded", id), http.StatusBadRequest)

			return
		}

		assembled = append(assembled, block...)
	}

	stored.blockList = append([]string{}, list.Latest...)
	stored.blob = assembled

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) lookupApp(w http.ResponseWriter, r *http.Request) (*app, bool) {
	stored, ok := s.apps[chi.URLParam(r, "appID")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "ResourceNotFound", "app not found")
	}

	return stored, ok
}

func (s *Server) lookupFile(w http.ResponseWriter, r *http.Request) (*file, bool) {
	stored, ok := s.files[chi.URLParam(r, "fileID")]
	if !ok || stored.appID != chi.URLParam(r, "appID") || stored.versionID != chi.URLParam(r, "versionID") {
		writeError(w, r, http.StatusNotFound, "ResourceNotFound", "content file not found")

		return nil, false
	}

	return stored, true
}

func fileJSON(f *file) map[string]any {
	return map[string]any{
		"@odata.type":     "#microsoft.graph.mobileAppContentFile",
		"id":              f.ID,
		"name":            f.Name,
		"size":            f.Size,
		"sizeEncrypted":   f.SizeEncrypted,
		"azureStorageUri": f.AzureStorageURI,
		"uploadState":     string(f.UploadState),
		"isCommitted":     f.IsCommitted,
	}
}
