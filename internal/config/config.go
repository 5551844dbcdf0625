package config

import (
	"fmt"
	"time"
)

// Config is the full set of tunables spec.md §6 requires an implementation
// to accept and honor, loaded from environment variables prefixed MAPEDIT_.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        int

	PayloadMaxSize int64

	ChangesetMaxElements    int32
	ChangesetTimeoutOpenMax time.Duration
	ChangesetTimeoutIdle    time.Duration

	WayMaxNodes       int
	RelationMaxMembers int
	ElementMaxTags     int

	Scale int64

	RatelimitBytesPerSecond          float64
	RatelimitBytesPerSecondModerator float64
	RatelimitMaxDebt                 float64
	RatelimitMaxDebtModerator        float64
	RatelimiterUpload                bool
	BboxSizeLimiterUpload            bool
	BboxMaxAreaDegreesSquared        float64
}

// Load builds a Config from the process environment, applying spec.md §6's
// defaults for anything unset. Variables are read under the MAPEDIT prefix,
// e.g. MAPEDIT_PORT, MAPEDIT_DATABASE_URL.
func Load() Config {
	ec := NewEnvConfig("MAPEDIT")
	return Config{
		DatabaseURL: ec.GetString("DATABASE_URL", "postgres://localhost:5432/mapedit"),
		RedisURL:    ec.GetString("REDIS_URL", "redis://localhost:6379/0"),
		Port:        ec.GetInt("PORT", 8080),

		PayloadMaxSize: ec.GetInt64("PAYLOAD_MAX_SIZE", 50_000_000),

		ChangesetMaxElements:    int32(ec.GetInt("CHANGESET_MAX_ELEMENTS", 10_000)),
		ChangesetTimeoutOpenMax: ec.GetDuration("CHANGESET_TIMEOUT_OPEN_MAX", 24*time.Hour),
		ChangesetTimeoutIdle:    ec.GetDuration("CHANGESET_TIMEOUT_IDLE", time.Hour),

		WayMaxNodes:        ec.GetInt("WAY_MAX_NODES", 2_000),
		RelationMaxMembers: ec.GetInt("RELATION_MAX_MEMBERS", 0), // 0 == unlimited
		ElementMaxTags:     ec.GetInt("ELEMENT_MAX_TAGS", 0),     // 0 == unlimited

		Scale: ec.GetInt64("SCALE", 10_000_000),

		RatelimitBytesPerSecond:          float64(ec.GetInt64("RATELIMIT_BYTES_PER_SECOND", 100*1024)),
		RatelimitBytesPerSecondModerator: float64(ec.GetInt64("RATELIMIT_BYTES_PER_SECOND_MODERATOR", 1024*1024)),
		RatelimitMaxDebt:                 float64(ec.GetInt64("RATELIMIT_MAX_DEBT", 250*1024*1024)),
		RatelimitMaxDebtModerator:        float64(ec.GetInt64("RATELIMIT_MAX_DEBT_MODERATOR", 1024*1024*1024)),
		RatelimiterUpload:                ec.GetBool("RATELIMITER_UPLOAD", false),
		BboxSizeLimiterUpload:            ec.GetBool("BBOX_SIZE_LIMITER_UPLOAD", false),
		BboxMaxAreaDegreesSquared:        float64FromEnv(ec, "BBOX_MAX_AREA_DEGREES_SQUARED", 0.25),
	}
}

func float64FromEnv(ec *EnvConfig, key string, defaultValue float64) float64 {
	// EnvConfig has no float getter; area limits are rare enough to parse
	// here rather than growing the generic loader for one caller.
	s := ec.GetString(key, "")
	if s == "" {
		return defaultValue
	}
	var f float64
	if _, err := fmt.Sscan(s, &f); err != nil {
		return defaultValue
	}
	return f
}
