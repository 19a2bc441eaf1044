package locker

import "github.com/yungbote/pglocker/internal/pkg/logger"

// logEvent emits a structured record carrying the top-level "event"
// discriminator named in §6, on top of the teacher's usual
// msg-plus-key/value logging convention.
func logEvent(log *logger.Logger, event string, kv ...any) {
	args := make([]any, 0, len(kv)+2)
	args = append(args, "event", event)
	args = append(args, kv...)
	log.Info(event, args...)
}
