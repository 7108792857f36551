package fetch

import (
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

type leveledZerolog struct {
	l zerolog.Logger
}

// NewLeveledLogger adapts a zerolog logger to the retryablehttp logging interface.
func NewLeveledLogger(l zerolog.Logger) rh.LeveledLogger {
	return rh.LeveledLogger(&leveledZerolog{l})
}

const retryKeyword = "retrying"

func fields(keysAndValues ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})

	for i := 0; i < len(keysAndValues)-1; i += 2 {
		k, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[k] = keysAndValues[i+1]
	}

	return fields
}

func (z *leveledZerolog) Error(msg string, keysAndValues ...interface{}) {
	z.l.Error().Fields(fields(keysAndValues...)).Msg(msg)
}

func (z *leveledZerolog) Info(msg string, keysAndValues ...interface{}) {
	z.l.Info().Fields(fields(keysAndValues...)).Msg(msg)
}

func (z *leveledZerolog) Debug(msg string, keysAndValues ...interface{}) {
	if strings.Contains(msg, retryKeyword) {
		z.l.Info().Fields(fields(keysAndValues...)).Msg(msg)
	} else {
		z.l.Debug().Fields(fields(keysAndValues...)).Msg(msg)
	}
}

func (z *leveledZerolog) Warn(msg string, keysAndValues ...interface{}) {
	z.l.Warn().Fields(fields(keysAndValues...)).Msg(msg)
}
