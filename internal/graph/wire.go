package graph

import (
	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

const (
	odataWin32LobApp       = "#microsoft.graph.win32LobApp"
	odataMimeContent       = "#microsoft.graph.mimeContent"
	odataContentFile       = "#microsoft.graph.mobileAppContentFile"
	odataFileSystemRule    = "#microsoft.graph.win32LobAppFileSystemRule"
	odataProductCodeRule   = "#microsoft.graph.win32LobAppProductCodeRule"
	odataInstallExperience = "microsoft.graph.win32LobAppInstallExperience"
	odataEncryptionInfo    = "microsoft.graph.fileEncryptionInfo"

	defaultArchitectures = "x64,x86"
)

type mimeContentWire struct {
	ODataType string `json:"@odata.type"`
	Type      string `json:"type"`
	Value     []byte `json:"value"`
}

type installExperienceWire struct {
	ODataType             string `json:"@odata.type"`
	RunAsAccount          string `json:"runAsAccount"`
	DeviceRestartBehavior string `json:"deviceRestartBehavior"`
}

type ruleWire struct {
	ODataType              string  `json:"@odata.type"`
	RuleType               string  `json:"ruleType"`
	Path                   string  `json:"path,omitempty"`
	FileOrFolderName       string  `json:"fileOrFolderName,omitempty"`
	Check32BitOn64System   *bool   `json:"check32BitOn64System,omitempty"`
	OperationType          string  `json:"operationType,omitempty"`
	Operator               string  `json:"operator,omitempty"`
	ProductCode            string  `json:"productCode,omitempty"`
	ProductVersionOperator string  `json:"productVersionOperator,omitempty"`
	ComparisonValue        *string `json:"comparisonValue,omitempty"`
}

type returnCodeWire struct {
	ReturnCode int    `json:"returnCode"`
	Type       string `json:"type"`
}

type minimumOSWire struct {
	V10_1607 bool `json:"v10_1607"` //nolint:revive,stylecheck // Field name mirrors the service schema.
}

// appWire is the win32LobApp resource.
type appWire struct {
	ODataType                       string                 `json:"@odata.type"`
	ID                              string                 `json:"id,omitempty"`
	DisplayName                     string                 `json:"displayName,omitempty"`
	Description                     string                 `json:"description,omitempty"`
	Publisher                       string                 `json:"publisher,omitempty"`
	Developer                       string                 `json:"developer,omitempty"`
	Owner                           string                 `json:"owner,omitempty"`
	Notes                           string                 `json:"notes,omitempty"`
	InformationURL                  string                 `json:"informationUrl,omitempty"`
	PrivacyInformationURL           string                 `json:"privacyInformationUrl,omitempty"`
	LargeIcon                       *mimeContentWire       `json:"largeIcon,omitempty"`
	FileName                        string                 `json:"fileName,omitempty"`
	SetupFilePath                   string                 `json:"setupFilePath,omitempty"`
	InstallCommandLine              string                 `json:"installCommandLine,omitempty"`
	UninstallCommandLine            string                 `json:"uninstallCommandLine,omitempty"`
	InstallExperience               *installExperienceWire `json:"installExperience,omitempty"`
	Rules                           []ruleWire             `json:"rules,omitempty"`
	ReturnCodes                     []returnCodeWire       `json:"returnCodes,omitempty"`
	ApplicableArchitectures         string                 `json:"applicableArchitectures,omitempty"`
	MinimumSupportedOperatingSystem *minimumOSWire         `json:"minimumSupportedOperatingSystem,omitempty"`
	CommittedContentVersion         string                 `json:"committedContentVersion,omitempty"`
	PublishingState                 string                 `json:"publishingState,omitempty"`
}

// contentVersionWire is the mobileAppContent resource.
type contentVersionWire struct {
	ID string `json:"id,omitempty"`
}

// contentFileWire is the mobileAppContentFile resource.
type contentFileWire struct {
	ODataType       string  `json:"@odata.type,omitempty"`
	ID              string  `json:"id,omitempty"`
	Name            string  `json:"name"`
	Size            int64   `json:"size"`
	SizeEncrypted   int64   `json:"sizeEncrypted"`
	AzureStorageURI string  `json:"azureStorageUri,omitempty"`
	UploadState     string  `json:"uploadState,omitempty"`
	IsCommitted     bool    `json:"isCommitted"`
	IsDependency    bool    `json:"isDependency"`
	Manifest        *string `json:"manifest"`

	requestID string
}

func (w *contentFileWire) setRequestID(id string) {
	w.requestID = id
}

type encryptionInfoWire struct {
	ODataType            string `json:"@odata.type"`
	EncryptionKey        string `json:"encryptionKey"`
	MacKey               string `json:"macKey"`
	InitializationVector string `json:"initializationVector"`
	Mac                  string `json:"mac"`
	ProfileIdentifier    string `json:"profileIdentifier"`
	FileDigest           string `json:"fileDigest"`
	FileDigestAlgorithm  string `json:"fileDigestAlgorithm"`
}

type commitWire struct {
	FileEncryptionInfo encryptionInfoWire `json:"fileEncryptionInfo"`
}

// errorEnvelope is the body of every failed response.
type errorEnvelope struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			RequestID string `json:"request-id"`
		} `json:"innerError"`
	} `json:"error"`
}

// toAppWire converts the domain app into the resource sent on creation.
func toAppWire(app *lob.App) *appWire {
	check32 := false
	wire := &appWire{
		ODataType:             odataWin32LobApp,
		DisplayName:           app.DisplayName,
		Description:           app.Description,
		Publisher:             app.Publisher,
		Developer:             app.Developer,
		Owner:                 app.Owner,
		Notes:                 app.Notes,
		InformationURL:        app.InformationURL,
		PrivacyInformationURL: app.PrivacyInformationURL,
		FileName:              app.FileName,
		SetupFilePath:         app.SetupFilePath,
		InstallCommandLine:    app.InstallCommandLine,
		UninstallCommandLine:  app.UninstallCommandLine,
		InstallExperience: &installExperienceWire{
			ODataType:             odataInstallExperience,
			RunAsAccount:          string(app.InstallExperience),
			DeviceRestartBehavior: "basedOnReturnCode",
		},
		ApplicableArchitectures:         defaultArchitectures,
		MinimumSupportedOperatingSystem: &minimumOSWire{V10_1607: true},
	}

	if wire.InstallExperience.RunAsAccount == "" {
		wire.InstallExperience.RunAsAccount = string(lob.InstallAsSystem)
	}

	if app.LargeIcon != nil {
		wire.LargeIcon = &mimeContentWire{
			ODataType: odataMimeContent,
			Type:      app.LargeIcon.Type,
			Value:     app.LargeIcon.Value,
		}
	}

	for _, rule := range app.DetectionRules {
		switch rule.Type {
		case lob.DetectionFile:
			wire.Rules = append(wire.Rules, ruleWire{
				ODataType:            odataFileSystemRule,
				RuleType:             "detection",
				Path:                 rule.Path,
				FileOrFolderName:     rule.FileOrFolder,
				Check32BitOn64System: &check32,
				OperationType:        "exists",
				Operator:             "notConfigured",
			})
		case lob.DetectionMsi:
			wire.Rules = append(wire.Rules, ruleWire{
				ODataType:              odataProductCodeRule,
				RuleType:               "detection",
				ProductCode:            rule.ProductCode,
				ProductVersionOperator: "notConfigured",
			})
		}
	}

	for _, code := range app.ReturnCodes {
		wire.ReturnCodes = append(wire.ReturnCodes, returnCodeWire{ReturnCode: code.Code, Type: code.Type})
	}

	return wire
}

// fromAppWire converts a service resource into the domain app.
func fromAppWire(wire *appWire) *lob.App {
	app := &lob.App{
		ID:                      wire.ID,
		DisplayName:             wire.DisplayName,
		Description:             wire.Description,
		Publisher:               wire.Publisher,
		Developer:               wire.Developer,
		Owner:                   wire.Owner,
		Notes:                   wire.Notes,
		InformationURL:          wire.InformationURL,
		PrivacyInformationURL:   wire.PrivacyInformationURL,
		FileName:                wire.FileName,
		SetupFilePath:           wire.SetupFilePath,
		InstallCommandLine:      wire.InstallCommandLine,
		UninstallCommandLine:    wire.UninstallCommandLine,
		CommittedContentVersion: wire.CommittedContentVersion,
		PublishingState:         wire.PublishingState,
	}

	if wire.InstallExperience != nil {
		app.InstallExperience = lob.InstallExperience(wire.InstallExperience.RunAsAccount)
	}

	if wire.LargeIcon != nil {
		app.LargeIcon = &lob.MimeContent{Type: wire.LargeIcon.Type, Value: wire.LargeIcon.Value}
	}

	for _, rule := range wire.Rules {
		switch rule.ODataType {
		case odataFileSystemRule:
			app.DetectionRules = append(app.DetectionRules, lob.DetectionRule{
				Type:         lob.DetectionFile,
				Path:         rule.Path,
				FileOrFolder: rule.FileOrFolderName,
			})
		case odataProductCodeRule:
			app.DetectionRules = append(app.DetectionRules, lob.DetectionRule{
				Type:        lob.DetectionMsi,
				ProductCode: rule.ProductCode,
			})
		}
	}

	for _, code := range wire.ReturnCodes {
		app.ReturnCodes = append(app.ReturnCodes, lob.ReturnCode{Code: code.ReturnCode, Type: code.Type})
	}

	return app
}

func toContentFileWire(file *lob.ContentFile) *contentFileWire {
	return &contentFileWire{
		ODataType:     odataContentFile,
		Name:          file.Name,
		Size:          file.Size,
		SizeEncrypted: file.SizeEncrypted,
	}
}

func fromContentFileWire(wire *contentFileWire) *lob.ContentFile {
	return &lob.ContentFile{
		ID:              wire.ID,
		Name:            wire.Name,
		Size:            wire.Size,
		SizeEncrypted:   wire.SizeEncrypted,
		AzureStorageURI: wire.AzureStorageURI,
		UploadState:     lob.UploadState(wire.UploadState),
		IsCommitted:     wire.IsCommitted,
		RequestID:       wire.requestID,
	}
}

func toCommitWire(info lob.EncryptionInfo) *commitWire {
	return &commitWire{FileEncryptionInfo: encryptionInfoWire{
		ODataType:            odataEncryptionInfo,
		EncryptionKey:        info.EncryptionKey,
		MacKey:               info.MacKey,
		InitializationVector: info.InitializationVector,
		Mac:                  info.Mac,
		ProfileIdentifier:    info.ProfileIdentifier,
		FileDigest:           info.FileDigest,
		FileDigestAlgorithm:  info.FileDigestAlgorithm,
	}}
}
