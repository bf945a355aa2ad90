package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// Number formats a human readable sequential number such as TXN-MAIN-000042.
func Number(prefix string, scope string, seq int64) string {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	if scope == "" {
		return fmt.Sprintf("%s-%06d", prefix, seq)
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, scope, seq)
}
