// Package config loads the orchestrator's environment-variable
// configuration into a single immutable snapshot, the way the teacher
// reads ACEXY_ORCH_APIKEY/ACEXY_CONTAINER_ID directly from os.Getenv in
// orchClient's constructor. There is no subcommand surface and no nested
// structure here, so a flag/viper framework buys nothing over a small set
// of typed getenv helpers.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// VPNMode selects how many VPN egress containers the fleet runs behind.
type VPNMode string

const (
	VPNModeNone      VPNMode = "none"
	VPNModeSingle    VPNMode = "single"
	VPNModeRedundant VPNMode = "redundant"
)

// Config is an immutable configuration snapshot. Live-reload, if ever
// added, should produce a new *Config rather than mutate this one.
type Config struct {
	MinReplicas       int
	MinFreeReplicas   int
	MaxReplicas       int
	MaxActiveReplicas int

	EngineGracePeriod time.Duration
	MonitorInterval   time.Duration
	AutoscaleInterval time.Duration
	AutoDelete        bool

	VPNMode                VPNMode
	GluetunContainerName   string
	GluetunContainerName2  string

	CircuitBreakerFailureThreshold    int
	CircuitBreakerRecoveryTimeout     time.Duration
	CircuitBreakerReplacementThreshold int
	CircuitBreakerReplacementTimeout  time.Duration

	APIKey string

	PortRangeMin          int
	PortRangeMax          int
	ForwardedPortRangeMin int
	ForwardedPortRangeMax int

	DebugMode   bool
	DebugLogDir string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func getenvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getenvInt(key, defSeconds)) * time.Second
}

// FromEnv builds a Config snapshot from the process environment, applying
// the defaults listed in spec.md §6.
func FromEnv() *Config {
	return &Config{
		MinReplicas:       getenvInt("MIN_REPLICAS", 2),
		MinFreeReplicas:   getenvInt("MIN_FREE_REPLICAS", 1),
		MaxReplicas:       getenvInt("MAX_REPLICAS", 20),
		MaxActiveReplicas: getenvInt("MAX_ACTIVE_REPLICAS", 20),

		EngineGracePeriod: getenvSeconds("ENGINE_GRACE_PERIOD_S", 30),
		MonitorInterval:   getenvSeconds("MONITOR_INTERVAL_S", 5),
		AutoscaleInterval: getenvSeconds("AUTOSCALE_INTERVAL_S", 15),
		AutoDelete:        getenvBool("AUTO_DELETE", true),

		VPNMode:               VPNMode(getenv("VPN_MODE", string(VPNModeNone))),
		GluetunContainerName:  getenv("GLUETUN_CONTAINER_NAME", ""),
		GluetunContainerName2: getenv("GLUETUN_CONTAINER_NAME_2", ""),

		CircuitBreakerFailureThreshold:     getenvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerRecoveryTimeout:      getenvSeconds("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_S", 300),
		CircuitBreakerReplacementThreshold: getenvInt("CIRCUIT_BREAKER_REPLACEMENT_THRESHOLD", 3),
		CircuitBreakerReplacementTimeout:   getenvSeconds("CIRCUIT_BREAKER_REPLACEMENT_TIMEOUT_S", 180),

		APIKey: getenv("API_KEY", ""),

		PortRangeMin:          getenvInt("PORT_RANGE_MIN", 19000),
		PortRangeMax:          getenvInt("PORT_RANGE_MAX", 19999),
		ForwardedPortRangeMin: getenvInt("FORWARDED_PORT_RANGE_MIN", 8621),
		ForwardedPortRangeMax: getenvInt("FORWARDED_PORT_RANGE_MAX", 8720),

		DebugMode:   getenvBool("ACEXY_ORCH_DEBUG", false),
		DebugLogDir: getenv("ACEXY_ORCH_DEBUG_DIR", "/tmp/acestream-orchestrator-debug"),
	}
}

// HasVPN reports whether any VPN egress container is configured.
func (c *Config) HasVPN() bool {
	return c.VPNMode != VPNModeNone && c.GluetunContainerName != ""
}

// Redundant reports whether two VPN egress containers are configured.
func (c *Config) Redundant() bool {
	return c.VPNMode == VPNModeRedundant && c.GluetunContainerName != "" && c.GluetunContainerName2 != ""
}
