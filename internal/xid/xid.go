package xid

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// New returns a prefixed random identifier, e.g. "audit-3f0c...".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// UUID returns a bare random identifier for ids the backend stores verbatim.
func UUID() string {
	return uuid.NewString()
}

var (
	nodeMu sync.Mutex
	node   *snowflake.Node
)

// SetNode configures the snowflake node used by Reference. Nodes must be unique
// per till so references never collide across a store.
func SetNode(n int64) error {
	created, err := snowflake.NewNode(n)
	if err != nil {
		return err
	}
	nodeMu.Lock()
	node = created
	nodeMu.Unlock()
	return nil
}

// Reference returns a time-ordered reference such as "CARD-1781...".
func Reference(prefix string) string {
	nodeMu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	n := node
	nodeMu.Unlock()
	return fmt.Sprintf("%s-%s", prefix, n.Generate().String())
}
