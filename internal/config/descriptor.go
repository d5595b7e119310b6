package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

var (
	errPublisherRequired        = errors.New("publisher must be provided")
	errInstallCommandRequired   = errors.New("install_command_line must be provided")
	errUninstallCommandRequired = errors.New("uninstall_command_line must be provided")
	errUnknownInstallExperience = errors.New("install_experience must be system or user")
	errInvalidDetectionRule     = errors.New("invalid detection rule")
)

// LoadDescriptor reads the app descriptor from a YAML file. Unknown keys are
// rejected so typos do not silently drop fields.
func LoadDescriptor(path string) (*lob.App, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("descriptor %s: %w", path, lob.ErrNotFound)
		}

		return nil, fmt.Errorf("read descriptor: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)

	var app lob.App
	if err = decoder.Decode(&app); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}

	if err = ValidateDescriptor(&app); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", path, err)
	}

	return &app, nil
}

// ValidateDescriptor checks the fields the service requires on creation.
// Display name, file name and setup file may stay empty; they default from
// the archive metadata.
func ValidateDescriptor(app *lob.App) error {
	if app.Publisher == "" {
		return errPublisherRequired
	}

	if app.InstallCommandLine == "" {
		return errInstallCommandRequired
	}

	if app.UninstallCommandLine == "" {
		return errUninstallCommandRequired
	}

	switch app.InstallExperience {
	case "", lob.InstallAsSystem, lob.InstallAsUser:
	default:
		return fmt.Errorf("%w, got %q", errUnknownInstallExperience, app.InstallExperience)
	}

	for i, rule := range app.DetectionRules {
		switch rule.Type {
		case lob.DetectionFile:
			if rule.Path == "" || rule.FileOrFolder == "" {
				return fmt.Errorf("%w %d: file rules need path and file_or_folder", errInvalidDetectionRule, i)
			}
		case lob.DetectionMsi:
			if rule.ProductCode == "" {
				return fmt.Errorf("%w %d: msi rules need product_code", errInvalidDetectionRule, i)
			}
		default:
			return fmt.Errorf("%w %d: unknown type %q", errInvalidDetectionRule, i, rule.Type)
		}
	}

	return nil
}
