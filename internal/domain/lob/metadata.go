package lob

// EncryptionInfo is the key material recorded by the packaging tool.
// Values are kept in the base64 form found in the metadata record because the
// management service expects them verbatim on commit.
type EncryptionInfo struct {
	// EncryptionKey is the AES key used to encrypt the payload.
	EncryptionKey string `yaml:"encryption_key"`
	// MacKey is the HMAC key used to sign the payload.
	MacKey string `yaml:"mac_key"`
	// InitializationVector is the AES initialization vector.
	InitializationVector string `yaml:"initialization_vector"`
	// Mac is the HMAC of the encrypted payload.
	Mac string `yaml:"mac"`
	// ProfileIdentifier names the encryption profile, e.g. ProfileVersion1.
	ProfileIdentifier string `yaml:"profile_identifier"`
	// FileDigest is the digest of the unencrypted installer.
	FileDigest string `yaml:"file_digest"`
	// FileDigestAlgorithm names the digest algorithm, e.g. SHA256.
	FileDigestAlgorithm string `yaml:"file_digest_algorithm"`
}

// MsiInfo is present when the packaged setup file is an MSI.
type MsiInfo struct {
	ProductCode      string `yaml:"product_code"`
	ProductVersion   string `yaml:"product_version"`
	UpgradeCode      string `yaml:"upgrade_code"`
	ExecutionContext string `yaml:"execution_context"`
	Publisher        string `yaml:"publisher"`
}

// ArchiveMetadata is the metadata record embedded in a content archive.
type ArchiveMetadata struct {
	// Name is the display name recorded by the packaging tool.
	Name string `yaml:"name"`
	// FileName is the name of the encrypted payload inside the archive.
	FileName string `yaml:"file_name"`
	// SetupFile is the installer entry point relative to the source folder.
	SetupFile string `yaml:"setup_file"`
	// UnencryptedContentSize is the payload size before encryption.
	UnencryptedContentSize uint64 `yaml:"unencrypted_content_size"`
	// EncryptionInfo holds the key material submitted on commit.
	EncryptionInfo EncryptionInfo `yaml:"encryption_info"`
	// MsiInfo is nil unless the setup file is an MSI.
	MsiInfo *MsiInfo `yaml:"msi_info,omitempty"`
}
