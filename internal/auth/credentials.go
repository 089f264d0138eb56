package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the single upstream credential record for this process.
// ExpiresAt is zero when the refresh endpoint did not report an expiry; the
// token is then treated as fresh until the first 403.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileArn   string
	Region       string
}

type credentialsFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
}

func LoadCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}

	var f credentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	if f.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("credentials file %s has no refreshToken", path)
	}

	creds := Credentials{
		AccessToken:  f.AccessToken,
		RefreshToken: f.RefreshToken,
		ProfileArn:   f.ProfileArn,
		Region:       f.Region,
	}
	if f.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, f.ExpiresAt); err == nil {
			creds.ExpiresAt = t
		}
	}
	return creds, nil
}

// SaveCredentialsFile rewrites the credentials file atomically: the record is
// written to a temp file in the same directory and renamed over the target.
func SaveCredentialsFile(path string, creds Credentials) error {
	f := credentialsFile{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ProfileArn:   creds.ProfileArn,
		Region:       creds.Region,
	}
	if !creds.ExpiresAt.IsZero() {
		f.ExpiresAt = creds.ExpiresAt.UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".kiro-creds-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credentials file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod credentials file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}
