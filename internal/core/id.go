package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random UUID string used for channels, jobs, runs and events.
func NewID() string {
	return uuid.NewString()
}

// NewRunID returns an advisory lock owner id built from the process id, the
// current time and a random suffix.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("auto-%d-%d-%s", os.Getpid(), now.UnixMilli(), suffix)
}
