package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webeval/webeval/pkg/pipeline"
)

func TestOnlyFailed(t *testing.T) {
	statuses := []pipeline.LocalStatus{
		{TaskID: "a", Success: true},
		{TaskID: "b", Success: false},
		{TaskID: "c", Success: false},
	}

	failed := onlyFailed(statuses)
	assert.Len(t, failed, 2)
	assert.Equal(t, "b", failed[0].TaskID)
	assert.Equal(t, "c", failed[1].TaskID)
}
