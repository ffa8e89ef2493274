package plugins

import (
	"sort"
)

// Enforce places a plugin before or after the core plugins.
type Enforce string

const (
	EnforcePre    Enforce = "pre"
	EnforceNormal Enforce = ""
	EnforcePost   Enforce = "post"
)

// Plugin is a named set of hooks. Plugins are immutable once handed to a
// container.
type Plugin struct {
	Name    string
	Enforce Enforce

	ResolveID       *Hook[ResolveIDFunc]
	Load            *Hook[LoadFunc]
	Transform       *Hook[TransformFunc]
	HandleHotUpdate *Hook[HandleHotUpdateFunc]
	BuildStart      *Hook[BuildStartFunc]
	BuildEnd        *Hook[BuildEndFunc]
	WatchChange     *Hook[WatchChangeFunc]
	Close           *Hook[CloseFunc]
}

// PluginInfo describes a plugin for listings.
type PluginInfo struct {
	Name    string   `json:"name" yaml:"name"`
	Enforce string   `json:"enforce,omitempty" yaml:"enforce,omitempty"`
	Hooks   []string `json:"hooks" yaml:"hooks"`
}

func (p *Plugin) info() PluginInfo {
	var hooks []string
	add := func(present bool, name string) {
		if present {
			hooks = append(hooks, name)
		}
	}
	add(p.ResolveID != nil, "resolveId")
	add(p.Load != nil, "load")
	add(p.Transform != nil, "transform")
	add(p.HandleHotUpdate != nil, "handleHotUpdate")
	add(p.BuildStart != nil, "buildStart")
	add(p.BuildEnd != nil, "buildEnd")
	add(p.WatchChange != nil, "watchChange")
	add(p.Close != nil, "close")
	return PluginInfo{Name: p.Name, Enforce: string(p.Enforce), Hooks: hooks}
}

// rank orders user pre plugins, core plugins, user normal plugins, user post
// plugins, then core post plugins.
func rank(p *Plugin, core bool) int {
	switch {
	case !core && p.Enforce == EnforcePre:
		return 0
	case core && p.Enforce != EnforcePost:
		return 1
	case !core && p.Enforce == EnforceNormal:
		return 2
	case !core:
		return 3
	default:
		return 4
	}
}

// sortPlugins merges user and core plugins into execution order. The sort is
// stable so declaration order is kept within a group.
func sortPlugins(user, core []*Plugin) []*Plugin {
	type ranked struct {
		p    *Plugin
		rank int
	}
	all := make([]ranked, 0, len(user)+len(core))
	for _, p := range user {
		if p != nil {
			all = append(all, ranked{p, rank(p, false)})
		}
	}
	for _, p := range core {
		if p != nil {
			all = append(all, ranked{p, rank(p, true)})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].rank < all[j].rank })

	out := make([]*Plugin, len(all))
	for i, r := range all {
		out[i] = r.p
	}
	return out
}

type hookEntry[F any] struct {
	plugin *Plugin
	hook   *Hook[F]
}

// hookHandlers is the one place hooks are read from plugins: it drops
// plugins without the hook and applies per-hook ordering.
func hookHandlers[F any](plugins []*Plugin, get func(*Plugin) *Hook[F]) []hookEntry[F] {
	var pre, normal, post []hookEntry[F]
	for _, p := range plugins {
		h := get(p)
		if h == nil {
			continue
		}
		e := hookEntry[F]{plugin: p, hook: h}
		switch h.Order {
		case OrderPre:
			pre = append(pre, e)
		case OrderPost:
			post = append(post, e)
		default:
			normal = append(normal, e)
		}
	}
	out := make([]hookEntry[F], 0, len(pre)+len(normal)+len(post))
	out = append(out, pre...)
	out = append(out, normal...)
	return append(out, post...)
}
