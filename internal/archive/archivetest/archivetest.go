// Package archivetest builds content archives for tests.
package archivetest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// Metadata returns a well-formed metadata record for fileName.
func Metadata(fileName string, unencryptedSize uint64) *lob.ArchiveMetadata {
	return &lob.ArchiveMetadata{
		Name:                   "setup.exe",
		FileName:               fileName,
		SetupFile:              "setup.exe",
		UnencryptedContentSize: unencryptedSize,
		EncryptionInfo: lob.EncryptionInfo{
			EncryptionKey:        "a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2U=",
			MacKey:               "bWFjbWFjbWFjbWFjbWFjbWFjbWFjbWFjbWFjbWE=",
			InitializationVector: "aXZpdml2aXZpdml2aXZpdg==",
			Mac:                  "c2lnbmF0dXJlc2lnbmF0dXJlc2lnbmF0dXJlcw==",
			ProfileIdentifier:    "ProfileVersion1",
			FileDigest:           "ZGlnZXN0ZGlnZXN0ZGlnZXN0ZGlnZXN0ZGlnZXM=",
			FileDigestAlgorithm:  "SHA256",
		},
	}
}

// MetadataXML renders m the way the packaging tool writes Detection.xml.
func MetadataXML(m *lob.ArchiveMetadata) []byte {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	buf.WriteString(`<ApplicationInfo xmlns:xsd="http://www.w3.org/2001/XMLSchema" ToolVersion="1.8.6.0">` + "\n")
	fmt.Fprintf(&buf, "  <Name>%s</Name>\n", m.Name)
	fmt.Fprintf(&buf, "  <UnencryptedContentSize>%d</UnencryptedContentSize>\n", m.UnencryptedContentSize)
	fmt.Fprintf(&buf, "  <FileName>%s</FileName>\n", m.FileName)
	fmt.Fprintf(&buf, "  <SetupFile>%s</SetupFile>\n", m.SetupFile)
	buf.WriteString("  <EncryptionInfo>\n")
	fmt.Fprintf(&buf, "    <EncryptionKey>%s</EncryptionKey>\n", m.EncryptionInfo.EncryptionKey)
	fmt.Fprintf(&buf, "    <MacKey>%s</MacKey>\n", m.EncryptionInfo.MacKey)
	fmt.Fprintf(&buf, "    <InitializationVector>%s</InitializationVector>\n", m.EncryptionInfo.InitializationVector)
	fmt.Fprintf(&buf, "    <Mac>%s</Mac>\n", m.EncryptionInfo.Mac)
	fmt.Fprintf(&buf, "    <ProfileIdentifier>%s</ProfileIdentifier>\n", m.EncryptionInfo.ProfileIdentifier)
	fmt.Fprintf(&buf, "    <FileDigest>%s</FileDigest>\n", m.EncryptionInfo.FileDigest)
	fmt.Fprintf(&buf, "    <FileDigestAlgorithm>%s</FileDigestAlgorithm>\n", m.EncryptionInfo.FileDigestAlgorithm)
	buf.WriteString("  </EncryptionInfo>\n")

	if m.MsiInfo != nil {
		buf.WriteString("  <MsiInfo>\n")
		fmt.Fprintf(&buf, "    <MsiProductCode>%s</MsiProductCode>\n", m.MsiInfo.ProductCode)
		fmt.Fprintf(&buf, "    <MsiProductVersion>%s</MsiProductVersion>\n", m.MsiInfo.ProductVersion)
		fmt.Fprintf(&buf, "    <MsiUpgradeCode>%s</MsiUpgradeCode>\n", m.MsiInfo.UpgradeCode)
		fmt.Fprintf(&buf, "    <MsiExecutionContext>%s</MsiExecutionContext>\n", m.MsiInfo.ExecutionContext)
		fmt.Fprintf(&buf, "    <MsiPublisher>%s</MsiPublisher>\n", m.MsiInfo.Publisher)
		buf.WriteString("  </MsiInfo>\n")
	}

	buf.WriteString("</ApplicationInfo>\n")

	return buf.Bytes()
}

// Entries maps archive entry names to their contents.
type Entries map[string][]byte

// Standard returns the entries of a well-formed archive.
func Standard(m *lob.ArchiveMetadata, payload []byte) Entries {
	return Entries{
		"IntuneWinPackage/Metadata/Detection.xml":          MetadataXML(m),
		path.Join("IntuneWinPackage/Contents", m.FileName): payload,
	}
}

// WriteZip writes entries as a zip archive into dir and returns its path.
func WriteZip(t *testing.T, dir string, entries Entries) string {
	t.Helper()

	archivePath := filepath.Join(dir, "setup.intunewin")

	output, err := os.Create(archivePath)
	require.NoError(t, err)

	writer := zip.NewWriter(output)

	for name, contents := range entries {
		entry, createErr := writer.Create(name)
		require.NoError(t, createErr)

		_, err = entry.Write(contents)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())
	require.NoError(t, output.Close())

	return archivePath
}

// WriteDir writes entries as an extracted archive below dir and returns dir.
func WriteDir(t *testing.T, dir string, entries Entries) string {
	t.Helper()

	for name, contents := range entries {
		target := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o750))
		require.NoError(t, os.WriteFile(target, contents, 0o600))
	}

	return dir
}
