package lob

// InstallExperience selects the account an installer runs under.
type InstallExperience string

const (
	// InstallAsSystem runs the installer in the system context.
	InstallAsSystem InstallExperience = "system"
	// InstallAsUser runs the installer in the signed-in user's context.
	InstallAsUser InstallExperience = "user"
)

// DetectionRuleType enumerates the supported detection rules.
type DetectionRuleType string

const (
	// DetectionFile checks that a file or folder exists.
	DetectionFile DetectionRuleType = "file"
	// DetectionMsi checks that an MSI product code is installed.
	DetectionMsi DetectionRuleType = "msi"
)

// DetectionRule tells the device agent how to decide the app is installed.
type DetectionRule struct {
	Type DetectionRuleType `yaml:"type"`
	// Path and FileOrFolder are used by file rules.
	Path         string `yaml:"path,omitempty"`
	FileOrFolder string `yaml:"file_or_folder,omitempty"`
	// ProductCode is used by msi rules.
	ProductCode string `yaml:"product_code,omitempty"`
}

// ReturnCode maps an installer exit code to an outcome.
type ReturnCode struct {
	Code int    `yaml:"code"`
	Type string `yaml:"type"`
}

// MimeContent is an inline binary attachment, such as the app icon.
type MimeContent struct {
	Type  string `yaml:"type"`
	Value []byte `yaml:"value"`
}

// App is the remote application record.
type App struct {
	// ID is assigned by the service and empty before creation.
	ID                    string            `yaml:"id,omitempty"`
	DisplayName           string            `yaml:"display_name"`
	Description           string            `yaml:"description"`
	Publisher             string            `yaml:"publisher"`
	Developer             string            `yaml:"developer,omitempty"`
	Owner                 string            `yaml:"owner,omitempty"`
	Notes                 string            `yaml:"notes,omitempty"`
	InformationURL        string            `yaml:"information_url,omitempty"`
	PrivacyInformationURL string            `yaml:"privacy_information_url,omitempty"`
	FileName              string            `yaml:"file_name,omitempty"`
	SetupFilePath         string            `yaml:"setup_file_path,omitempty"`
	InstallCommandLine    string            `yaml:"install_command_line"`
	UninstallCommandLine  string            `yaml:"uninstall_command_line"`
	InstallExperience     InstallExperience `yaml:"install_experience,omitempty"`
	DetectionRules        []DetectionRule   `yaml:"detection_rules,omitempty"`
	ReturnCodes           []ReturnCode      `yaml:"return_codes,omitempty"`
	LargeIcon             *MimeContent      `yaml:"-"`
	// CommittedContentVersion is empty until a content version is committed.
	CommittedContentVersion string `yaml:"-"`
	PublishingState         string `yaml:"-"`
}

// DefaultReturnCodes are the exit codes the service suggests for Win32 apps.
func DefaultReturnCodes() []ReturnCode {
	return []ReturnCode{
		{Code: 0, Type: "success"},
		{Code: 1707, Type: "success"},
		{Code: 3010, Type: "softReboot"},
		{Code: 1641, Type: "hardReboot"},
		{Code: 1618, Type: "retry"},
	}
}

// Clone returns a deep copy of the app.
func (a *App) Clone() *App {
	if a == nil {
		return nil
	}

	cloned := *a
	cloned.DetectionRules = append([]DetectionRule(nil), a.DetectionRules...)
	cloned.ReturnCodes = append([]ReturnCode(nil), a.ReturnCodes...)

	if a.LargeIcon != nil {
		icon := *a.LargeIcon
		icon.Value = append([]byte(nil), a.LargeIcon.Value...)
		cloned.LargeIcon = &icon
	}

	return &cloned
}
