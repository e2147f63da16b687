package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// GroupAll selects every host in the inventory.
const GroupAll = "all"

// Host represents a managed host in the inventory.
type Host struct {
	ID      string            `json:"id" yaml:"-"`
	Address string            `json:"address,omitempty" yaml:"address,omitempty"`
	Tags    []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Vars    map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// HostGroup is a named set of hosts.
type HostGroup struct {
	Hosts map[string]*Host `json:"hosts" yaml:"hosts"`
}

// Inventory is the set of hosts a plan targets, organized in groups.
type Inventory struct {
	// Name is the declared inventory identity.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Source is the file the inventory was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`

	Groups map[string]*HostGroup `json:"groups" yaml:"groups"`
}

// Identity returns the stable identity of the inventory: its declared name,
// or the cleaned absolute path it was loaded from.
func (inv *Inventory) Identity() string {
	if inv.Name != "" {
		return inv.Name
	}
	if inv.Source == "" {
		return ""
	}
	if abs, err := filepath.Abs(inv.Source); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(inv.Source)
}

// Validate checks that group and host entries are well formed.
func (inv *Inventory) Validate() error {
	if len(inv.Groups) == 0 {
		return fmt.Errorf("inventory has no groups")
	}
	for name, group := range inv.Groups {
		if name == GroupAll {
			return fmt.Errorf("group name %q is reserved", GroupAll)
		}
		if group == nil || len(group.Hosts) == 0 {
			return fmt.Errorf("group %q has no hosts", name)
		}
		for id := range group.Hosts {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("group %q has a host with an empty name", name)
			}
		}
	}
	return nil
}

// Hosts returns every host ID in the inventory, sorted.
func (inv *Inventory) Hosts() []string {
	ids, _ := inv.Resolve(TargetSelector{Group: GroupAll})
	return ids
}

// Host returns the host entry for id, merging tags across groups.
func (inv *Inventory) Host(id string) (*Host, bool) {
	var found *Host
	for _, group := range inv.Groups {
		h, ok := group.Hosts[id]
		if !ok {
			continue
		}
		if found == nil {
			found = &Host{ID: id}
		}
		if h != nil {
			if found.Address == "" {
				found.Address = h.Address
			}
			found.Tags = append(found.Tags, h.Tags...)
			for k, v := range h.Vars {
				if found.Vars == nil {
					found.Vars = make(map[string]string)
				}
				if _, ok := found.Vars[k]; !ok {
					found.Vars[k] = v
				}
			}
		}
	}
	return found, found != nil
}

// TargetSelector selects hosts by group with an optional tag filter.
type TargetSelector struct {
	Group string   `json:"group" yaml:"group" validate:"required"`
	Tags  []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// String renders the selector as group[:tag,tag].
func (s TargetSelector) String() string {
	if len(s.Tags) == 0 {
		return s.Group
	}
	return s.Group + ":" + strings.Join(s.Tags, ",")
}

// Resolve returns the sorted host IDs matched by the selector. Hosts must
// carry every tag of the filter.
func (inv *Inventory) Resolve(sel TargetSelector) ([]string, error) {
	groups := make([]*HostGroup, 0, len(inv.Groups))
	if sel.Group == "" || sel.Group == GroupAll {
		for _, g := range inv.Groups {
			groups = append(groups, g)
		}
	} else {
		g, ok := inv.Groups[sel.Group]
		if !ok {
			return nil, fmt.Errorf("unknown host group %q", sel.Group)
		}
		groups = append(groups, g)
	}

	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, g := range groups {
		if g == nil {
			continue
		}
		for id := range g.Hosts {
			if seen[id] {
				continue
			}
			host, _ := inv.Host(id)
			if !matchesTags(host.Tags, sel.Tags) {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// matchesTags checks if host tags include every selector tag.
func matchesTags(hostTags, selectorTags []string) bool {
	if len(selectorTags) == 0 {
		return true
	}

	have := make(map[string]bool, len(hostTags))
	for _, t := range hostTags {
		have[t] = true
	}
	for _, t := range selectorTags {
		if !have[t] {
			return false
		}
	}

	return true
}
