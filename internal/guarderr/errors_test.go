package guarderr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here")

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"not exist", statErr, KindNotFound},
		{"wrapped permission", fmt.Errorf("open: %w", fs.ErrPermission), KindPermissionDenied},
		{"corrupt", fmt.Errorf("parse storage.json: %w", ErrCorruptRecord), KindCorruptRecord},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), KindTransientIO},
		{"spawn", fmt.Errorf("exec: %w", ErrProcessSpawnFailure), KindProcessSpawnFailure},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "PermissionDenied", KindPermissionDenied.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}
