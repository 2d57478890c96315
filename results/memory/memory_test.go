package memory

import (
	"testing"

	"github.com/ggoodman/layersync/results"
	"github.com/ggoodman/layersync/results/resultstest"
)

func TestMemoryCache(t *testing.T) {
	resultstest.RunCacheTests(t, func(t *testing.T) results.Cache {
		return New()
	})
}
