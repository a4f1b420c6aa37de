package setup

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templates embed.FS

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "reportrelay"

	// InstallDir is the default install directory for the binary.
	InstallDir = "/usr/local/bin"

	// ServiceLabel is the launchd job label and systemd unit stem.
	ServiceLabel = "com.github.njoerd114.reportrelay"

	systemdUnit = BinaryName + ".service"
)

// Service installs and controls the background daemon through the
// platform's user service manager: launchd on macOS, systemd elsewhere.
type Service struct {
	GOOS       string
	HomeDir    string
	BinaryPath string
	ConfigPath string

	run func(name string, args ...string) ([]byte, error)
}

// NewService returns a Service for the current platform.
func NewService(homeDir, configPath string) *Service {
	return &Service{
		GOOS:       runtime.GOOS,
		HomeDir:    homeDir,
		BinaryPath: BinaryInstallPath(),
		ConfigPath: configPath,
		run: func(name string, args ...string) ([]byte, error) {
			//nolint:gosec // fixed service manager binaries
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

func (s *Service) launchd() bool { return s.GOOS == "darwin" }

// BinaryInstallPath returns the full path to the installed binary.
func BinaryInstallPath() string {
	return filepath.Join(InstallDir, BinaryName)
}

// UnitPath returns where the plist or unit file is written.
func (s *Service) UnitPath() string {
	if s.launchd() {
		return filepath.Join(s.HomeDir, "Library", "LaunchAgents", ServiceLabel+".plist")
	}
	return filepath.Join(s.HomeDir, ".config", "systemd", "user", systemdUnit)
}

// LogDir returns the log directory path.
func (s *Service) LogDir() string {
	if s.launchd() {
		return filepath.Join(s.HomeDir, "Library", "Logs", BinaryName)
	}
	return filepath.Join(s.HomeDir, ".local", "state", BinaryName)
}

// Render returns the unit file contents.
func (s *Service) Render() ([]byte, error) {
	name := "templates/systemd.service.tmpl"
	if s.launchd() {
		name = "templates/launchd.plist.tmpl"
	}
	tmpl, err := template.ParseFS(templates, name)
	if err != nil {
		return nil, fmt.Errorf("parsing service template: %w", err)
	}

	data := struct {
		Label, BinaryPath, ConfigPath, HomeDir, LogDir string
	}{ServiceLabel, s.BinaryPath, s.ConfigPath, s.HomeDir, s.LogDir()}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("executing service template: %w", err)
	}
	return buf.Bytes(), nil
}

// Write renders the unit file, writes it and creates the log directory.
func (s *Service) Write() error {
	unit, err := s.Render()
	if err != nil {
		return err
	}
	dest := s.UnitPath()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.WriteFile(dest, unit, 0o644); err != nil {
		return fmt.Errorf("writing service file to %s: %w", dest, err)
	}
	if err := os.MkdirAll(s.LogDir(), 0o755); err != nil {
		return fmt.Errorf("creating log directory %s: %w", s.LogDir(), err)
	}
	return nil
}

// Load starts the daemon now and on every login. If it is already
// loaded, it is reloaded.
func (s *Service) Load() error {
	if s.launchd() {
		_ = s.Unload()
		return s.exec("launchctl", "load", s.UnitPath())
	}
	if err := s.exec("systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	return s.exec("systemctl", "--user", "enable", "--now", systemdUnit)
}

// Unload stops the daemon. It is a no-op when nothing is installed.
func (s *Service) Unload() error {
	if _, err := os.Stat(s.UnitPath()); os.IsNotExist(err) {
		return nil
	}
	if s.launchd() {
		return s.exec("launchctl", "unload", s.UnitPath())
	}
	return s.exec("systemctl", "--user", "disable", "--now", systemdUnit)
}

// IsLoaded reports whether the service manager knows about the daemon.
func (s *Service) IsLoaded() bool {
	if s.launchd() {
		_, err := s.run("launchctl", "list", ServiceLabel)
		return err == nil
	}
	_, err := s.run("systemctl", "--user", "is-active", "--quiet", systemdUnit)
	return err == nil
}

// Remove deletes the unit file.
func (s *Service) Remove() error {
	path := s.UnitPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (s *Service) exec(name string, args ...string) error {
	if out, err := s.run(name, args...); err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

// InstallBinary copies the currently-running binary to /usr/local/bin.
// Uses sudo if the target directory is not writable by the current user.
func InstallBinary() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dest := BinaryInstallPath()
	if self == dest {
		return nil
	}
	if isWritable(InstallDir) {
		return copyFile(self, dest, 0o755)
	}

	//nolint:gosec // sudo prompts the user
	cmd := exec.Command("sudo", "install", "-m", "755", self, dest)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo install to %s: %w", dest, err)
	}
	return nil
}

// RemoveBinary deletes the installed binary, using sudo when needed.
func RemoveBinary() error {
	path := BinaryInstallPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if isWritable(InstallDir) {
		return os.Remove(path)
	}

	//nolint:gosec // sudo prompts the user
	cmd := exec.Command("sudo", "rm", "-f", path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// PurgeUserData removes the config directory, the report database and the
// logs. Unsynced reports are lost.
func (s *Service) PurgeUserData() error {
	dirs := []string{
		filepath.Join(s.HomeDir, ".config", BinaryName),
		filepath.Join(s.HomeDir, ".local", "share", BinaryName),
		s.LogDir(),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

func isWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".rr-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
