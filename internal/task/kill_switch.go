package task

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const killSwitchKey = "hx:kill:instant_mode"

// RedisKillSwitch gates instant mode at runtime. Activation writes a reason
// under a well-known key; every instant-mode create and accept reads it
// before doing anything else, so the feature can be halted without a deploy.
//
// Reads fail open: a Redis outage must not take the marketplace down with
// it, only the emergency brake.
type RedisKillSwitch struct {
	rdb    *redis.Client
	logger *log.Logger
}

func NewRedisKillSwitch(rdb *redis.Client) *RedisKillSwitch {
	return &RedisKillSwitch{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
}

// InstantModeDisabled reports whether instant mode is currently halted,
// and the operator-supplied reason when it is.
func (ks *RedisKillSwitch) InstantModeDisabled(ctx context.Context) (bool, string) {
	reason, err := ks.rdb.Get(ctx, killSwitchKey).Result()
	if err == redis.Nil {
		return false, ""
	}
	if err != nil {
		ks.logger.Printf("⚠️ Kill switch read failed, failing open: %v", err)
		return false, ""
	}
	return true, reason
}

// Activate halts instant mode. A zero ttl makes the halt permanent until
// Deactivate is called.
func (ks *RedisKillSwitch) Activate(ctx context.Context, reason string, ttl time.Duration) error {
	if err := ks.rdb.Set(ctx, killSwitchKey, reason, ttl).Err(); err != nil {
		return err
	}
	ks.logger.Printf("🛑 KILL SWITCH ACTIVATED: instant mode halted, reason=%q ttl=%s", reason, ttl)
	return nil
}

// Deactivate re-enables instant mode.
func (ks *RedisKillSwitch) Deactivate(ctx context.Context) error {
	if err := ks.rdb.Del(ctx, killSwitchKey).Err(); err != nil {
		return err
	}
	ks.logger.Printf("✅ Kill switch deactivated: instant mode re-enabled")
	return nil
}

var _ KillSwitch = (*RedisKillSwitch)(nil)
