package env

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/textileops/go-readcache/logger"
	"github.com/textileops/go-readcache/telemetry"
	"github.com/xhit/go-str2duration/v2"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses an environment file and returns a list of EnvLine structs.
// A missing file yields an empty list.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return []EnvLine{}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return ParseEnvBuffer(buf)
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ProcessEnvLine splits a KEY=value line and removes surrounding quotes from the value.
func ProcessEnvLine(env string) EnvLine {
	key, val, ok := strings.Cut(env, "=")
	if !ok {
		return EnvLine{Key: env}
	}
	return EnvLine{Key: strings.TrimPrefix(strings.TrimSpace(key), "export "), Val: dequote(val)}
}

// interpolateValue expands ${NAME} and ${NAME:-default}. Names prefixed with
// env: are looked up in the process environment. Unresolved references
// without a default are preserved.
func interpolateValue(input string, envMap map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	var result strings.Builder
	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			result.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			result.WriteString(rest)
			break
		}
		end += start
		result.WriteString(rest[:start])
		ref := rest[start : end+1]
		name, def, _ := strings.Cut(rest[start+2:end], ":-")
		var val string
		if envKey, ok := strings.CutPrefix(name, "env:"); ok {
			val = os.Getenv(envKey)
		} else {
			val = envMap[name]
		}
		switch {
		case name == "":
			result.WriteString(ref)
		case val != "":
			result.WriteString(val)
		case def != "":
			result.WriteString(def)
		default:
			result.WriteString(ref)
		}
		rest = rest[end+1:]
	}
	return result.String()
}

// ParseEnvBuffer parses an environment buffer and returns a list of EnvLine structs.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	envMap := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = interpolateValue(env.Val, envMap)
		envMap[env.Key] = env.Val
		envs = append(envs, env)
	}
	// second pass resolves forward references
	for i := range envs {
		envs[i].Val = interpolateValue(envs[i].Val, envMap)
	}
	return envs, nil
}

// Load reads filename and exports every variable not already present in the
// process environment. It returns the number of variables exported.
func Load(filename string) (int, error) {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return 0, err
	}
	var count int
	for _, e := range envs {
		if _, ok := os.LookupEnv(e.Key); ok {
			continue
		}
		if err := os.Setenv(e.Key, e.Val); err != nil {
			return count, errors.Wrapf(err, "setting %s", e.Key)
		}
		count++
	}
	return count, nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if cmd != nil {
		if flag := cmd.Flags().Lookup(flagName); flag != nil && flag.Changed {
			return flag.Value.String()
		}
		if flagValue, _ := cmd.Flags().GetString(flagName); flagValue != "" {
			return flagValue
		}
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// DurationFlagOrEnv resolves a duration the same way as FlagOrEnv. Values
// accept day and week units, e.g. "3d" or "1w2d".
func DurationFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue time.Duration) (time.Duration, error) {
	val := FlagOrEnv(cmd, flagName, envName, "")
	if val == "" {
		return defaultValue, nil
	}
	d, err := str2duration.ParseDuration(val)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration for %s", flagName)
	}
	return d, nil
}

// IntFlagOrEnv resolves an integer the same way as FlagOrEnv.
func IntFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue int) (int, error) {
	val := FlagOrEnv(cmd, flagName, envName, "")
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer for %s", flagName)
	}
	return n, nil
}

// BoolFlagOrEnv resolves a boolean the same way as FlagOrEnv.
func BoolFlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue bool) bool {
	if cmd != nil {
		if flag := cmd.Flags().Lookup(flagName); flag != nil && flag.Changed {
			v, _ := cmd.Flags().GetBool(flagName)
			return v
		}
	}
	if val, ok := os.LookupEnv(envName); ok {
		if v, err := strconv.ParseBool(val); err == nil {
			return v
		}
	}
	return defaultValue
}

func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, ok := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"))
	if !ok {
		return logger.LevelInfo
	}
	return level
}

// NewLogger returns a logger by first checking the cobra.Command log-level flag, then use the
// READCACHE_LOG_LEVEL environment value and falling back to the info logger level.
// The log-format flag or READCACHE_LOG_FORMAT selects "console" or "json".
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	return logger.New(FlagOrEnv(cmd, "log-format", "READCACHE_LOG_FORMAT", "console"), LogLevel(cmd))
}

// NewTelemetry returns a telemetry context, logger, shutdown function. The cobra flags it expects are:
//
// --no-telemetry (boolean): if set, telemetry will be disabled
//
// --otlp-url (string): the url of the otlp server
//
// --otlp-shared-secret (string): the shared secret for the otlp server
func NewTelemetry(ctx context.Context, cmd *cobra.Command, serviceName string) (context.Context, logger.Logger, func(), error) {
	otlpURL := FlagOrEnv(cmd, "otlp-url", "READCACHE_OTLP_URL", "")
	if BoolFlagOrEnv(cmd, "no-telemetry", "READCACHE_NO_TELEMETRY", false) || otlpURL == "" {
		return ctx, NewLogger(cmd), func() {}, nil
	}
	otlpSharedSecret := FlagOrEnv(cmd, "otlp-shared-secret", "READCACHE_OTLP_SHARED_SECRET", "")
	telemetryCtx, log, shutdown, err := telemetry.New(ctx, serviceName, otlpSharedSecret, otlpURL, NewLogger(cmd))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "error creating telemetry")
	}
	return telemetryCtx, log, shutdown, nil
}
