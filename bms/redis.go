package bms

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisStatusKey      = "bms:pack"
	redisFaultSetKey    = "bms:pack:fault"
	redisFaultChannel   = "bms:pack fault"
	redisFaultStream    = "events:faults"
	redisFaultStreamCap = 1000
)

// publishStatus writes the current status hash and fault set to Redis and
// publishes change notifications, all in one pipeline so readers never see a
// half-written update. lastPublished is only advanced after a successful
// Exec, so a failed pipeline is retried in full on the next tick.
func (s *Service) publishStatus(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis client not initialized")
	}

	st := s.sim.Status()
	mode := s.mode.Mode()

	status := map[string]interface{}{
		"run-id":      st.RunID,
		"running":     fmt.Sprintf("%v", st.Running),
		"mode":        mode,
		"soc":         fmt.Sprintf("%.2f", st.SOC),
		"soh":         fmt.Sprintf("%.2f", st.SOH),
		"voltage":     fmt.Sprintf("%.2f", st.Voltage),
		"current":     fmt.Sprintf("%.2f", st.Current),
		"temperature": fmt.Sprintf("%.2f", st.Temperature),
		"cell-count":  fmt.Sprintf("%d", st.CellCount),
		"dtc":         st.DTC,
	}

	// Current fault set as stored in Redis, to diff against.
	storedFaults, err := s.redis.SMembers(ctx, redisFaultSetKey).Result()
	if err != nil && err != redis.Nil {
		s.logger.Warnf("Failed to read fault set %s: %v", redisFaultSetKey, err)
		storedFaults = nil
	}
	inSet := make(map[string]struct{}, len(storedFaults))
	for _, f := range storedFaults {
		inSet[f] = struct{}{}
	}
	activeNow := make(map[string]struct{}, len(st.Faults))
	for _, f := range st.Faults {
		activeNow[f] = struct{}{}
	}

	pipe := s.redis.Pipeline()

	if prev := s.lastPublished; prev != nil {
		if st.Running != prev.Running {
			pipe.Publish(ctx, redisStatusKey, "running")
		}
		if st.SOC != prev.SOC {
			pipe.Publish(ctx, redisStatusKey, "soc")
		}
		if st.DTC != prev.DTC {
			pipe.Publish(ctx, redisStatusKey, "dtc")
		}
		if mode != s.lastMode {
			pipe.Publish(ctx, redisStatusKey, "mode")
		}
	}

	pipe.HMSet(ctx, redisStatusKey, status)

	faultsChanged := false
	for _, f := range st.Faults {
		if _, ok := inSet[f]; !ok {
			pipe.SAdd(ctx, redisFaultSetKey, f)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: redisFaultStream,
				MaxLen: redisFaultStreamCap,
				Values: map[string]interface{}{
					"group": redisStatusKey,
					"fault": f,
					"set":   "1",
				},
			})
			faultsChanged = true
		}
	}
	for f := range inSet {
		if _, ok := activeNow[f]; !ok {
			pipe.SRem(ctx, redisFaultSetKey, f)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: redisFaultStream,
				MaxLen: redisFaultStreamCap,
				Values: map[string]interface{}{
					"group": redisStatusKey,
					"fault": f,
					"set":   "0",
				},
			})
			faultsChanged = true
		}
	}
	if faultsChanged {
		pipe.Publish(ctx, redisFaultChannel, "fault")
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	s.lastPublished = &st
	s.lastMode = mode
	return nil
}
