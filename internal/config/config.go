// Package config loads hubd's runtime configuration, grounded on the
// teacher's cmd/blizzardgw/main.go os.Getenv-override idiom generalized to
// a single typed Config, and on Comcast-tr1d1um/tr1d1um.go's
// pflag.FlagSet + viper "defaults map" pattern for everything CLI flags
// don't cover.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is hubd's complete runtime configuration (spec §6 "External
// interfaces").
type Config struct {
	Port        int    // -p, default 4711
	StorageRoot string // -f, default "data"
	StorageKind string // "jsonfile" (default), "sqlite", "redis"
	RedisAddr   string

	SessionExpiration time.Duration // USER_SESSION_EXPIRATION, seconds, default 1200
	FirmwareLookupURL string        // FIRMWARE_UPDATE_LOOKUP
	SSLCert           string        // SSL_CERT
	SSLKey            string        // SSL_KEY

	WebhookEnable      bool
	WebhookCallbackURL string
	ArgusURL           string
	ArgusBucket        string
	ArgusBasicAuth     string
	WebhookEvents      []string
	WebhookDevices     []string

	WrpBridgeEnable  bool   // WRP_BRIDGE_ENABLE
	WrpBridgeURL     string // WRP_BRIDGE_URL, Scytale-compatible endpoint
	WrpBridgeAuth    string // WRP_BRIDGE_AUTH
	WrpBridgeSource  string // WRP_BRIDGE_SOURCE
	WrpBridgeDest    string // WRP_BRIDGE_DEST, device destination
	WrpBridgeUUID    string // WRP_BRIDGE_UUID
	WrpBridgeShortID string // WRP_BRIDGE_SHORT_ID
	WrpBridgeType    string // WRP_BRIDGE_TYPE
}

var defaults = map[string]interface{}{
	"storageKind":       "jsonfile",
	"redisAddr":         "localhost:6379",
	"sessionExpiration": 1200,
	"webhookEnable":     false,
	"argusBucket":       "hooks",
	"webhookEvents":     []string{".*"},
	"webhookDevices":    []string{".*"},
	"wrpBridgeEnable":   false,
	"wrpBridgeSource":   "hubd",
	"wrpBridgeType":     "wrp-device",
}

// Load parses CLI flags out of args and layers environment-variable
// bindings on top via viper, mirroring the teacher's "flag for the thing
// an operator always sets, env var for everything else" split.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("hubd", pflag.ContinueOnError)
	port := fs.IntP("port", "p", 4711, "listen port")
	storageRoot := fs.StringP("storage-root", "f", "data", "storage root directory")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.BindEnv("sessionExpiration", "USER_SESSION_EXPIRATION")
	v.BindEnv("firmwareLookupURL", "FIRMWARE_UPDATE_LOOKUP")
	v.BindEnv("sslCert", "SSL_CERT")
	v.BindEnv("sslKey", "SSL_KEY")
	v.BindEnv("storageKind", "HUBD_STORAGE_KIND")
	v.BindEnv("redisAddr", "HUBD_REDIS_ADDR")
	v.BindEnv("webhookEnable", "WEBHOOK_ENABLE")
	v.BindEnv("webhookCallbackURL", "WEBHOOK_URL")
	v.BindEnv("argusURL", "ARGUS_URL")
	v.BindEnv("argusBucket", "ARGUS_BUCKET")
	v.BindEnv("argusBasicAuth", "ARGUS_BASIC_AUTH")
	v.BindEnv("wrpBridgeEnable", "WRP_BRIDGE_ENABLE")
	v.BindEnv("wrpBridgeURL", "WRP_BRIDGE_URL")
	v.BindEnv("wrpBridgeAuth", "WRP_BRIDGE_AUTH")
	v.BindEnv("wrpBridgeSource", "WRP_BRIDGE_SOURCE")
	v.BindEnv("wrpBridgeDest", "WRP_BRIDGE_DEST")
	v.BindEnv("wrpBridgeUUID", "WRP_BRIDGE_UUID")
	v.BindEnv("wrpBridgeShortID", "WRP_BRIDGE_SHORT_ID")
	v.BindEnv("wrpBridgeType", "WRP_BRIDGE_TYPE")
	v.AutomaticEnv()

	cfg := Config{
		Port:               *port,
		StorageRoot:        *storageRoot,
		StorageKind:        v.GetString("storageKind"),
		RedisAddr:          v.GetString("redisAddr"),
		SessionExpiration:  time.Duration(v.GetInt("sessionExpiration")) * time.Second,
		FirmwareLookupURL:  v.GetString("firmwareLookupURL"),
		SSLCert:            v.GetString("sslCert"),
		SSLKey:             v.GetString("sslKey"),
		WebhookEnable:      v.GetBool("webhookEnable"),
		WebhookCallbackURL: v.GetString("webhookCallbackURL"),
		ArgusURL:           v.GetString("argusURL"),
		ArgusBucket:        v.GetString("argusBucket"),
		ArgusBasicAuth:     v.GetString("argusBasicAuth"),
		WebhookEvents:      v.GetStringSlice("webhookEvents"),
		WebhookDevices:     v.GetStringSlice("webhookDevices"),
		WrpBridgeEnable:    v.GetBool("wrpBridgeEnable"),
		WrpBridgeURL:       v.GetString("wrpBridgeURL"),
		WrpBridgeAuth:      v.GetString("wrpBridgeAuth"),
		WrpBridgeSource:    v.GetString("wrpBridgeSource"),
		WrpBridgeDest:      v.GetString("wrpBridgeDest"),
		WrpBridgeUUID:      v.GetString("wrpBridgeUUID"),
		WrpBridgeShortID:   v.GetString("wrpBridgeShortID"),
		WrpBridgeType:      v.GetString("wrpBridgeType"),
	}
	return cfg, nil
}
