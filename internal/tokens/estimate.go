// Package tokens estimates token counts for captured request bodies.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/config"
)

var (
	initOnce sync.Once
	encoding *tiktoken.Tiktoken
)

// Estimate counts tokens in text with the cl100k_base encoding, falling back
// to a chars/4 estimate when the encoder cannot be initialized (offline
// startup without a cached BPE file).
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	initOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Debug().Err(err).Msg("tokenizer unavailable, using byte estimate")
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return len(text) / config.TokenEstimateRatio
	}
	return len(encoding.Encode(text, nil, nil))
}
