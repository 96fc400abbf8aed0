package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	gcfg "gopkg.in/gcfg.v1"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"
)

// Version is updated with every release.
const Version = "0.3.0"

// DefaultConfigFile is the config file path for more fine grained control.
const DefaultConfigFile = "/etc/openvswitch/ovsdb-client.conf"

var (
	// Default holds parsed config file parameters and command-line overrides.
	Default = DefaultConfig{
		Address:    "tcp:127.0.0.1:6640",
		Timeout:    5,
		MaxRetries: 3,
		PoolSize:   10,
	}

	// SSL holds the client certificate configuration.
	SSL = SSLConfig{}

	// Logging holds logging-related parsed config file parameters and
	// command-line overrides.
	Logging = LoggingConfig{
		File:              "", // do not log to a file by default
		Level:             4,
		LogFileMaxSize:    100, // Size in Megabytes
		LogFileMaxBackups: 5,
		LogFileMaxAge:     5, // days
	}
)

// DefaultConfig holds the connection defaults for an OVSDB client.
type DefaultConfig struct {
	// Address is a comma-separated list of OVSDB endpoints to connect to,
	// in scheme:address form. Supported schemes are tcp, ssl and unix.
	Address string `gcfg:"address"`
	// Timeout bounds individual OVSDB requests, in seconds.
	Timeout int `gcfg:"timeout"`
	// MaxRetries is the number of times a conflicted transaction is
	// rebuilt and resent before it fails.
	MaxRetries int `gcfg:"max-retries"`
	// InactivityProbe probes the server with an echo after the connection
	// has been idle for this many seconds. Zero disables the probe.
	InactivityProbe int `gcfg:"inactivity-probe"`
	// PoolSize caps the number of goroutines delivering row events to
	// registered watchers.
	PoolSize int `gcfg:"pool-size"`
}

// SSLConfig holds the client certificates used for ssl endpoints.
type SSLConfig struct {
	// PrivateKey is the private key for authenticating to the OVSDB server.
	PrivateKey string `gcfg:"private-key"`
	// Certificate is the certificate for authenticating to the OVSDB server.
	Certificate string `gcfg:"certificate"`
	// CACert is the CA certificate the server certificate is verified against.
	CACert string `gcfg:"ca-cert"`
	// ServerName overrides the host name the server certificate is
	// verified against.
	ServerName string `gcfg:"server-name"`
}

// LoggingConfig holds logging-related parsed config file parameters and
// command-line overrides.
type LoggingConfig struct {
	// File is the path of the file to log to.
	File string `gcfg:"logfile"`
	// Level is the logging verbosity level.
	Level int `gcfg:"loglevel"`
	// LogFileMaxSize is the maximum size in megabytes of the logfile
	// before it gets rolled.
	LogFileMaxSize int `gcfg:"logfile-maxsize"`
	// LogFileMaxBackups represents the maximum number of old log files to retain.
	LogFileMaxBackups int `gcfg:"logfile-maxbackups"`
	// LogFileMaxAge represents the maximum number of days to retain old log files.
	LogFileMaxAge int `gcfg:"logfile-maxage"`
}

// config is used to read the structured config file and to cache config in
// testcases.
type config struct {
	Default DefaultConfig
	SSL     SSLConfig
	Logging LoggingConfig
}

var (
	savedDefault DefaultConfig
	savedSSL     SSLConfig
	savedLogging LoggingConfig

	// cliConfig collects command-line override values, applied on top of
	// the config file values by InitConfig.
	cliConfig config
)

func init() {
	// Cache original default config values
	savedDefault = Default
	savedSSL = SSL
	savedLogging = Logging
}

// PrepareTestConfig restores default config values. Used by testcases to
// reset config before each run.
func PrepareTestConfig() {
	Default = savedDefault
	SSL = savedSSL
	Logging = savedLogging
	cliConfig = config{}
}

// copy members of struct 'src' into the corresponding field in struct
// 'dst' if the field in 'src' is a non-zero int or a non-zero-length
// string. This function should be called with pointers to structs.
func overrideFields(dst, src interface{}) error {
	dstStruct := reflect.ValueOf(dst).Elem()
	srcStruct := reflect.ValueOf(src).Elem()
	if dstStruct.Kind() != srcStruct.Kind() || dstStruct.Kind() != reflect.Struct {
		return fmt.Errorf("mismatched value types")
	}
	if dstStruct.NumField() != srcStruct.NumField() {
		return fmt.Errorf("mismatched struct types")
	}

	for i := 0; i < dstStruct.NumField(); i++ {
		dstField := dstStruct.Field(i)
		srcField := srcStruct.Field(i)
		if dstField.Kind() != srcField.Kind() {
			return fmt.Errorf("mismatched struct fields")
		}
		switch srcField.Kind() {
		case reflect.String:
			if srcField.String() != "" {
				dstField.Set(srcField)
			}
		case reflect.Int:
			if srcField.Int() != 0 {
				dstField.Set(srcField)
			}
		case reflect.Bool:
			if srcField.Bool() {
				dstField.Set(srcField)
			}
		default:
			return fmt.Errorf("unhandled field type %v", srcField.Kind())
		}
	}
	return nil
}

// CommonFlags capture general options.
var CommonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config-file",
		Usage: "configuration file path (default: " + DefaultConfigFile + ")",
	},
	&cli.StringFlag{
		Name: "address",
		Usage: "comma-separated list of OVSDB endpoints to connect to, " +
			"in scheme:address form. Supported schemes are tcp, ssl and unix",
		Destination: &cliConfig.Default.Address,
	},
	&cli.IntFlag{
		Name:        "timeout",
		Usage:       "timeout in seconds for OVSDB requests",
		Destination: &cliConfig.Default.Timeout,
	},
	&cli.IntFlag{
		Name: "max-retries",
		Usage: "number of times a conflicted transaction is rebuilt and " +
			"resent before it fails",
		Destination: &cliConfig.Default.MaxRetries,
	},
	&cli.IntFlag{
		Name: "inactivity-probe",
		Usage: "probe the server with an echo after the connection has been " +
			"idle for this many seconds, 0 to disable",
		Destination: &cliConfig.Default.InactivityProbe,
	},
	&cli.IntFlag{
		Name: "pool-size",
		Usage: "maximum number of goroutines delivering row events to " +
			"registered watchers",
		Destination: &cliConfig.Default.PoolSize,
	},
}

// SSLFlags capture the client certificate options.
var SSLFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "private-key",
		Usage:       "file with the private key for authenticating to the OVSDB server",
		Destination: &cliConfig.SSL.PrivateKey,
	},
	&cli.StringFlag{
		Name:        "certificate",
		Usage:       "file with the certificate for authenticating to the OVSDB server",
		Destination: &cliConfig.SSL.Certificate,
	},
	&cli.StringFlag{
		Name:        "ca-cert",
		Usage:       "file with the CA certificate the server certificate is verified against",
		Destination: &cliConfig.SSL.CACert,
	},
	&cli.StringFlag{
		Name:        "server-name",
		Usage:       "host name the server certificate is verified against, when it differs from the endpoint address",
		Destination: &cliConfig.SSL.ServerName,
	},
}

// LoggingFlags capture log-related options.
var LoggingFlags = []cli.Flag{
	&cli.IntFlag{
		Name: "loglevel",
		Usage: "log verbosity and level: info, warn, fatal, error are always " +
			"printed no matter the log level. Use 5 for debug (default: 4)",
		Destination: &cliConfig.Logging.Level,
	},
	&cli.StringFlag{
		Name:        "logfile",
		Usage:       "path of a file to direct log output to",
		Destination: &cliConfig.Logging.File,
	},
	&cli.IntFlag{
		Name:        "logfile-maxsize",
		Usage:       "Maximum size in megabytes of the logfile before it gets rolled",
		Destination: &cliConfig.Logging.LogFileMaxSize,
	},
	&cli.IntFlag{
		Name:        "logfile-maxbackups",
		Usage:       "Maximum number of rolled logfiles to retain",
		Destination: &cliConfig.Logging.LogFileMaxBackups,
	},
	&cli.IntFlag{
		Name:        "logfile-maxage",
		Usage:       "Maximum number of days to retain old logfiles",
		Destination: &cliConfig.Logging.LogFileMaxAge,
	},
}

// GetFlags returns an array of all command-line flags necessary to
// configure the client.
func GetFlags(customFlags []cli.Flag) []cli.Flag {
	flags := CommonFlags
	flags = append(flags, SSLFlags...)
	flags = append(flags, LoggingFlags...)
	flags = append(flags, customFlags...)
	return flags
}

// Endpoints splits the comma-separated address list into individual
// endpoints.
func (c *DefaultConfig) Endpoints() []string {
	var endpoints []string
	for _, endpoint := range strings.Split(c.Address, ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints
}

func buildDefaultConfig(cli, file *config) error {
	if err := overrideFields(&Default, &file.Default); err != nil {
		return err
	}
	if err := overrideFields(&Default, &cli.Default); err != nil {
		return err
	}

	endpoints := Default.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("no OVSDB endpoint configured")
	}
	for _, endpoint := range endpoints {
		parts := strings.SplitN(endpoint, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return fmt.Errorf("endpoint %q is not in scheme:address form", endpoint)
		}
		switch parts[0] {
		case "tcp", "ssl", "unix":
		default:
			return fmt.Errorf("endpoint %q has unsupported scheme %q", endpoint, parts[0])
		}
	}
	if Default.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if Default.MaxRetries < 0 {
		return fmt.Errorf("max-retries must not be negative")
	}
	return nil
}

func buildSSLConfig(cli, file *config) error {
	if err := overrideFields(&SSL, &file.SSL); err != nil {
		return err
	}
	if err := overrideFields(&SSL, &cli.SSL); err != nil {
		return err
	}

	if (SSL.PrivateKey == "") != (SSL.Certificate == "") {
		return fmt.Errorf("private-key and certificate must be configured together")
	}
	return nil
}

func buildLoggingConfig(cli, file *config) error {
	if err := overrideFields(&Logging, &file.Logging); err != nil {
		return err
	}
	if err := overrideFields(&Logging, &cli.Logging); err != nil {
		return err
	}

	if Logging.Level < 0 {
		return fmt.Errorf("loglevel must not be negative")
	}
	return nil
}

// InitLogger configures klog from the logging config, directing output to
// the configured logfile with rotation when one is set.
func InitLogger() error {
	var level klog.Level
	if err := level.Set(strconv.Itoa(Logging.Level)); err != nil {
		return fmt.Errorf("failed to set klog log level %v", err)
	}
	if Logging.File == "" {
		return nil
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	if err := klogFlags.Set("logtostderr", "false"); err != nil {
		klog.Errorf("Error setting klog logtostderr: %v", err)
	}
	if err := klogFlags.Set("alsologtostderr", "true"); err != nil {
		klog.Errorf("Error setting klog alsologtostderr: %v", err)
	}
	klog.SetOutput(&lumberjack.Logger{
		Filename:   Logging.File,
		MaxSize:    Logging.LogFileMaxSize, // megabytes
		MaxBackups: Logging.LogFileMaxBackups,
		MaxAge:     Logging.LogFileMaxAge, // days
	})
	return nil
}

// InitConfig reads the config file and common command-line options and
// constructs the global config object from them. It returns the config
// file path (if explicitly specified) or an error.
func InitConfig(ctx *cli.Context) (string, error) {
	return initConfigWithPath(ctx.String("config-file"))
}

func initConfigWithPath(configFile string) (string, error) {
	var retConfigFile string
	var cfg config

	// a config file explicitly given on the command line must exist, the
	// default one is used when present
	configFileIsDefault := configFile == ""
	if configFileIsDefault {
		configFile = DefaultConfigFile
	} else {
		retConfigFile = configFile
	}

	f, err := os.Open(configFile)
	if err != nil {
		if !configFileIsDefault {
			return "", errors.Wrapf(err, "failed to open config file %s", configFile)
		}
	} else {
		defer f.Close()
		if err := gcfg.ReadInto(&cfg, f); err != nil {
			return "", errors.Wrapf(err, "failed to parse config file %s", f.Name())
		}
		klog.Infof("Parsed config file %s", f.Name())
		klog.V(5).Infof("Parsed config: %+v", cfg)
	}

	if err := buildDefaultConfig(&cliConfig, &cfg); err != nil {
		return "", err
	}
	if err := buildSSLConfig(&cliConfig, &cfg); err != nil {
		return "", err
	}
	if err := buildLoggingConfig(&cliConfig, &cfg); err != nil {
		return "", err
	}

	if err := InitLogger(); err != nil {
		return "", err
	}

	klog.V(5).Infof("Default config: %+v", Default)
	klog.V(5).Infof("SSL config: %+v", SSL)
	klog.V(5).Infof("Logging config: %+v", Logging)
	return retConfigFile, nil
}
