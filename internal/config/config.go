// Package config manages persistent preferences for the bot: the server
// address and credentials it connects with, and the playback/mixer
// defaults it starts up with absent an overriding command-line flag.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds every persistent bot preference.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	Username    string `json:"username"`
	CertPath    string `json:"cert_path"`
	KeyPath     string `json:"key_path"`
	InsecureTLS bool   `json:"insecure_tls"`

	Volume          float64 `json:"volume"`
	Bitrate         int     `json:"bitrate"`
	FramesPerPacket int     `json:"frames_per_packet"`

	MixerDelaySeconds int `json:"mixer_delay_seconds"`

	PluginDir         string `json:"plugin_dir"`
	PrivilegeFilePath string `json:"privilege_file_path"`

	MonitorDeviceID int `json:"monitor_device_id"`
	TickHz          int `json:"tick_hz"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Host: "localhost",
		Port: 64738,

		Username: "mumblebot",

		Volume:          1.0,
		Bitrate:         40000,
		FramesPerPacket: 2,

		MixerDelaySeconds: 0,

		MonitorDeviceID: -1,
		TickHz:          10,
	}
}

// dirName and fileName place the config at
// os.UserConfigDir()/mumblebot/config.json.
const (
	dirName  = "mumblebot"
	fileName = "config.json"
)

// Path returns the absolute path to the config file.
func Path() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, dirName, fileName), nil
}

// Load returns the saved config layered over Default, or Default alone when
// no config file is readable. It never fails: the bot must be able to start
// on a machine that has never run it before.
func Load() Config {
	cfg := Default()
	path, err := Path()
	if err != nil {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		// corrupt JSON may have half-filled cfg before failing
		return Default()
	}
	return cfg
}

// Save writes cfg to disk atomically: the JSON goes to a temp file in the
// config directory first and is renamed over the real path, so a crash
// mid-write cannot leave a torn file behind.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+fileName+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
