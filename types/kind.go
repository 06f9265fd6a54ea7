package types

import (
	"fmt"
	"strings"
)

// ConversationKind selects the namespace table used to poll a target.
type ConversationKind int

const (
	KindSelf ConversationKind = iota
	KindLegacyGroup
	KindGroup
)

var (
	selfNamespaces = []Namespace{
		NamespaceDefault,
		NamespaceUserProfile,
		NamespaceUserContacts,
		NamespaceUserGroups,
		NamespaceConvoInfoVolatile,
	}
	legacyGroupNamespaces = []Namespace{
		NamespaceLegacyClosedGroup,
	}
	// keys last: a key rotation must not be observed before the messages
	// that depend on it
	groupNamespaces = []Namespace{
		NamespaceGroupRevokedRetrievable,
		NamespaceGroupMessages,
		NamespaceGroupInfo,
		NamespaceGroupMembers,
		NamespaceGroupKeys,
	}
)

func (k ConversationKind) String() string {
	switch k {
	case KindSelf:
		return "self"
	case KindLegacyGroup:
		return "legacyGroup"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsGroup reports whether k is one of the group kinds.
func (k ConversationKind) IsGroup() bool {
	return k == KindLegacyGroup || k == KindGroup
}

// Namespaces returns the ordered namespaces queried for k. An unknown kind
// is a programming error and panics.
func (k ConversationKind) Namespaces() []Namespace {
	var table []Namespace
	switch k {
	case KindSelf:
		table = selfNamespaces
	case KindLegacyGroup:
		table = legacyGroupNamespaces
	case KindGroup:
		table = groupNamespaces
	default:
		panic(fmt.Sprintf("no namespaces for conversation kind %d", int(k)))
	}
	out := make([]Namespace, len(table))
	copy(out, table)
	return out
}

// GroupPrefix marks identifiers of groups with their own keys and config.
const GroupPrefix = "03"

// AccountPrefix marks account identifiers (and legacy group identifiers).
const AccountPrefix = "05"

// KindForGroup infers the group kind from an identifier.
func KindForGroup(identifier string) ConversationKind {
	if strings.HasPrefix(identifier, GroupPrefix) {
		return KindGroup
	}
	return KindLegacyGroup
}

// PollTarget is an identifier polled with the namespaces of its kind.
type PollTarget struct {
	ID   string
	Kind ConversationKind
}

func (t PollTarget) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, ShortKey(t.ID))
}
