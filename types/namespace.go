package types

import (
	"fmt"
	"sort"
)

// Namespace partitions the data an account keeps on its swarm.
type Namespace int

const (
	NamespaceLegacyClosedGroup       Namespace = -10
	NamespaceGroupRevokedRetrievable Namespace = -11
	NamespaceDefault                 Namespace = 0
	NamespaceUserProfile             Namespace = 2
	NamespaceUserContacts            Namespace = 3
	NamespaceConvoInfoVolatile       Namespace = 4
	NamespaceUserGroups              Namespace = 5
	NamespaceGroupMessages           Namespace = 11
	NamespaceGroupKeys               Namespace = 12
	NamespaceGroupInfo               Namespace = 13
	NamespaceGroupMembers            Namespace = 14
)

func (ns Namespace) String() string {
	switch ns {
	case NamespaceLegacyClosedGroup:
		return "legacyClosedGroup"
	case NamespaceGroupRevokedRetrievable:
		return "groupRevokedRetrievable"
	case NamespaceDefault:
		return "default"
	case NamespaceUserProfile:
		return "userProfile"
	case NamespaceUserContacts:
		return "userContacts"
	case NamespaceConvoInfoVolatile:
		return "convoInfoVolatile"
	case NamespaceUserGroups:
		return "userGroups"
	case NamespaceGroupMessages:
		return "groupMessages"
	case NamespaceGroupKeys:
		return "groupKeys"
	case NamespaceGroupInfo:
		return "groupInfo"
	case NamespaceGroupMembers:
		return "groupMembers"
	default:
		return fmt.Sprintf("namespace(%d)", int(ns))
	}
}

// IsUserConfig reports whether ns holds the account's own config state.
func (ns Namespace) IsUserConfig() bool {
	switch ns {
	case NamespaceUserProfile, NamespaceUserContacts, NamespaceUserGroups, NamespaceConvoInfoVolatile:
		return true
	}
	return false
}

// IsGroupConfig reports whether ns holds a group's shared config state.
func (ns Namespace) IsGroupConfig() bool {
	switch ns {
	case NamespaceGroupInfo, NamespaceGroupMembers, NamespaceGroupKeys:
		return true
	}
	return false
}

// IsControlFor reports whether messages in ns are control messages for a
// target of the given kind. Legacy groups have no control namespaces.
func (ns Namespace) IsControlFor(kind ConversationKind) bool {
	switch kind {
	case KindSelf:
		return ns.IsUserConfig()
	case KindGroup:
		return ns.IsGroupConfig()
	default:
		return false
	}
}

func (ns Namespace) priority() int {
	switch ns {
	case NamespaceDefault, NamespaceGroupMessages:
		return 10
	default:
		return 1
	}
}

// MaxSizes splits the response budget of one batch between namespaces.
// Namespaces are grouped by priority; every group but the lowest keeps one
// extra share for the groups below it. The result is expressed as the
// negative divisor storage nodes expect in "max_size".
func MaxSizes(namespaces []Namespace) map[Namespace]int {
	type group struct {
		priority   int
		namespaces []Namespace
	}
	var groups []*group
	for _, ns := range namespaces {
		var g *group
		for _, existing := range groups {
			if existing.priority == ns.priority() {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{priority: ns.priority()}
			groups = append(groups, g)
		}
		g.namespaces = append(g.namespaces, ns)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].priority > groups[j].priority })

	sizes := make(map[Namespace]int, len(namespaces))
	if len(groups) == 0 {
		return sizes
	}
	lowest := groups[len(groups)-1].priority
	split := 1
	for _, g := range groups {
		padding := 1
		if g.priority == lowest {
			padding = 0
		}
		split *= padding + len(g.namespaces)
		for _, ns := range g.namespaces {
			sizes[ns] = -split
		}
	}
	return sizes
}
