package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const secretsFile = "secrets.json"

// secretFile keeps secrets as a flat JSON object in the data dir, readable
// only by the owner.
type secretFile struct {
	path string
}

func openSecrets(dataDir string) secretStore {
	return secretFile{path: filepath.Join(dataDir, secretsFile)}
}

func (f secretFile) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f secretFile) Get(name string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	val, ok := secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return val, nil
}

func (f secretFile) Set(name, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// EnsureAPIToken returns the configured API token, generating and saving a
// new one in the data dir's secrets file when none is set.
func EnsureAPIToken(cfg *Config) (token string, created bool, err error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generating API token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := (secretFile{path: filepath.Join(cfg.Storage.DataDir, secretsFile)}).Set(keyAPIToken, token); err != nil {
		return "", false, fmt.Errorf("saving API token: %w", err)
	}
	cfg.Server.APIToken = token
	return token, true, nil
}
