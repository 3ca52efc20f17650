// Package config loads the layered configuration directory consumed by
// the update engine: an ordered sequence of "NN_name.ini" files merged
// into one immutable Config value.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBothProtocolsDisabled is returned when both http_port and https_port
// are set to "disabled".
var ErrBothProtocolsDisabled = errors.New("both http and https are disabled, nothing to do")

var fileNamePattern = regexp.MustCompile(`^(\d+)_.*\.ini$`)

// Service holds [service] section settings.
type Service struct {
	BaseHost    string
	HTTPPort    string
	HTTPSPort   string
	Channel     string
	Device      string
	BuildNumber int
}

// System holds [system] section settings.
type System struct {
	TempDir        string
	LogFile        string
	LogLevel       string
	Timeout        time.Duration
	CheckFrequency time.Duration
}

// GPG holds [gpg] section settings: paths to the four keyring archives.
type GPG struct {
	ArchiveMaster string
	ImageMaster   string
	ImageSigning  string
	DeviceSigning string
}

// Updater holds [updater] section settings.
type Updater struct {
	CachePartition string
	DataPartition  string
}

// Hooks holds [hooks] section settings: capability identifiers.
type Hooks struct {
	Device string
	Scorer string
	Apply  string
}

// DBus holds [dbus] section settings (named for the façade's idle-exit
// contract, not an actual D-Bus dependency).
type DBus struct {
	Lifetime time.Duration
}

// Config is the fully merged, immutable configuration.
type Config struct {
	Service Service
	System  System
	GPG     GPG
	Updater Updater
	Hooks   Hooks
	DBus    DBus
}

// Load enumerates "[0-9]+_*.ini" files in dir, sorted ascending by their
// numeric prefix, and merges them (later files override earlier ones) into
// a single Config.
func Load(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading config directory %q: %w", dir, err)
	}

	type numbered struct {
		num  int
		name string
	}

	var files []numbered

	for _, entry := range entries {
		name := entry.Name()

		match := fileNamePattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}

		full := filepath.Join(dir, name)

		// Dangling symlinks are silently skipped.
		info, statErr := os.Stat(full)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue
			}

			return nil, statErr
		}

		if info.IsDir() {
			continue
		}

		num, convErr := strconv.Atoi(match[1])
		if convErr != nil {
			continue
		}

		files = append(files, numbered{num: num, name: name})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].num != files[j].num {
			return files[i].num < files[j].num
		}

		return files[i].name < files[j].name
	})

	sections := map[string]map[string]string{}

	for _, f := range files {
		parsed, parseErr := parseFile(filepath.Join(dir, f.name))
		if parseErr != nil {
			return nil, fmt.Errorf("parsing %q: %w", f.name, parseErr)
		}

		for section, kv := range parsed {
			dst, ok := sections[section]
			if !ok {
				dst = map[string]string{}
				sections[section] = dst
			}

			for k, v := range kv {
				dst[k] = v
			}
		}
	}

	cfg, err := fromSections(sections)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseFile parses one section/key-value file with ":" separators.
func parseFile(path string) (map[string]map[string]string, error) {
	fd, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}

	defer fd.Close()

	result := map[string]map[string]string{}
	section := ""

	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := result[section]; !ok {
				result[section] = map[string]string{}
			}

			continue
		}

		if section == "" {
			return nil, fmt.Errorf("key/value line %q outside of any section", line)
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("malformed line (missing ':'): %q", line)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		result[section][key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func fromSections(sections map[string]map[string]string) (*Config, error) {
	service := sections["service"]
	system := sections["system"]
	gpg := sections["gpg"]
	updater := sections["updater"]
	hooks := sections["hooks"]
	dbus := sections["dbus"]

	cfg := &Config{}

	cfg.Service.BaseHost = service["base_host"]
	cfg.Service.HTTPPort = service["http_port"]
	cfg.Service.HTTPSPort = service["https_port"]
	cfg.Service.Channel = service["channel"]
	cfg.Service.Device = service["device"]

	if bn := service["build_number"]; bn != "" {
		n, err := strconv.Atoi(bn)
		if err != nil {
			return nil, fmt.Errorf("invalid build_number %q: %w", bn, err)
		}

		cfg.Service.BuildNumber = n
	}

	if cfg.Service.HTTPPort == "disabled" && cfg.Service.HTTPSPort == "disabled" {
		return nil, ErrBothProtocolsDisabled
	}

	cfg.System.TempDir = system["tempdir"]
	cfg.System.LogFile = system["logfile"]
	cfg.System.LogLevel = system["loglevel"]

	timeout, err := parseDuration(system["timeout"])
	if err != nil {
		return nil, fmt.Errorf("invalid [system]timeout: %w", err)
	}

	cfg.System.Timeout = timeout

	checkFrequency, err := parseDuration(system["checkfrequency"])
	if err != nil {
		return nil, fmt.Errorf("invalid [system]checkfrequency: %w", err)
	}

	cfg.System.CheckFrequency = checkFrequency

	cfg.GPG.ArchiveMaster = gpg["archive_master"]
	cfg.GPG.ImageMaster = gpg["image_master"]
	cfg.GPG.ImageSigning = gpg["image_signing"]
	cfg.GPG.DeviceSigning = gpg["device_signing"]

	cfg.Updater.CachePartition = updater["cache_partition"]
	cfg.Updater.DataPartition = updater["data_partition"]

	cfg.Hooks.Device = hooks["device"]
	cfg.Hooks.Scorer = hooks["scorer"]
	cfg.Hooks.Apply = hooks["apply"]

	lifetime, err := parseDuration(dbus["lifetime"])
	if err != nil {
		return nil, fmt.Errorf("invalid [dbus]lifetime: %w", err)
	}

	cfg.DBus.Lifetime = lifetime

	return cfg, nil
}

// parseDuration parses a value with the unit suffixes w|d|h|m|s, defaulting
// to seconds when no suffix is present. An empty string or a value <= 0
// disables the timeout (returned as 0).
func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	unit := value[len(value)-1]

	var multiplier time.Duration

	numPart := value

	switch unit {
	case 'w':
		multiplier = 7 * 24 * time.Hour
		numPart = value[:len(value)-1]
	case 'd':
		multiplier = 24 * time.Hour
		numPart = value[:len(value)-1]
	case 'h':
		multiplier = time.Hour
		numPart = value[:len(value)-1]
	case 'm':
		multiplier = time.Minute
		numPart = value[:len(value)-1]
	case 's':
		multiplier = time.Second
		numPart = value[:len(value)-1]
	default:
		multiplier = time.Second
	}

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}

	if n <= 0 {
		return 0, nil
	}

	return time.Duration(n) * multiplier, nil
}
