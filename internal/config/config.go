// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package config loads the engine configuration from a Starlark file.
//
// The file declares subscriptions and schedules with the subscription() and
// schedule() builtins and assigns them to the subscriptions and schedules
// globals:
//
//	subscriptions = [
//	    subscription(
//	        id = "s1",
//	        guild = "g1",
//	        url = "https://example.com/feed.xml",
//	        channel = "news",
//	        webhook = "https://hooks.example.com/abc",
//	        comparison_fields = ["description"],
//	    ),
//	]
//
//	schedules = [
//	    schedule(name = "news", interval = "5m", keywords = ["news."]),
//	]
//
// Optional globals: cookie_guilds (guilds allowed to use per-request
// options), reserved_keywords, check_titles, check_dates, max_age_days.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/feedwarden/feedwarden/internal/dedup"
	"github.com/feedwarden/feedwarden/internal/feed"
	"github.com/feedwarden/feedwarden/internal/logger"
	"github.com/feedwarden/feedwarden/internal/schedule"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Config is the fully validated engine configuration.
type Config struct {
	Subscriptions    []*feed.Subscription
	Schedules        []schedule.Definition
	AllowGuilds      map[string]bool
	ReservedKeywords []string
	Defaults         feed.Defaults
}

// Default classification settings applied when the config file does not
// override them.
var defaultDefaults = feed.Defaults{
	CheckTitles: false,
	CheckDates:  true,
	MaxAgeDays:  1,
}

type subValue struct {
	sub feed.Subscription

	checkTitles starlark.Value
	checkDates  starlark.Value
	maxAgeDays  starlark.Value
}

func (v *subValue) String() string        { return v.sub.String() }
func (v *subValue) Type() string          { return "subscription" }
func (v *subValue) Freeze()               {} // immutable
func (v *subValue) Truth() starlark.Bool  { return starlark.Bool(v.sub.URL != "") }
func (v *subValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", v.Type()) }

func subscriptionBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, errors.New("unexpected positional arguments")
	}
	v := new(subValue)
	var (
		fields    *starlark.List
		cookies   string
		userAgent string
	)
	if err := starlark.UnpackArgs("subscription", args, kwargs,
		"id", &v.sub.ID,
		"guild", &v.sub.Guild,
		"url", &v.sub.URL,
		"channel?", &v.sub.Destination.Channel,
		"webhook?", &v.sub.Destination.Webhook,
		"check_titles?", &v.checkTitles,
		"check_dates?", &v.checkDates,
		"max_age_days?", &v.maxAgeDays,
		"comparison_fields?", &fields,
		"cookies?", &cookies,
		"user_agent?", &userAgent,
	); err != nil {
		return nil, err
	}

	var err error
	if v.sub.Overrides.ComparisonFields, err = stringList(fields); err != nil {
		return nil, fmt.Errorf("subscription %q: comparison_fields: %w", v.sub.ID, err)
	}
	if cookies != "" || userAgent != "" {
		v.sub.Request = &feed.RequestOptions{Cookies: cookies, UserAgent: userAgent}
	}
	return v, nil
}

type schedValue struct {
	def schedule.Definition

	checkTitles starlark.Value
	checkDates  starlark.Value
	maxAgeDays  starlark.Value
}

func (v *schedValue) String() string        { return fmt.Sprintf("<schedule %s>", v.def.Name) }
func (v *schedValue) Type() string          { return "schedule" }
func (v *schedValue) Freeze()               {} // immutable
func (v *schedValue) Truth() starlark.Bool  { return starlark.Bool(v.def.Name != "") }
func (v *schedValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", v.Type()) }

func scheduleBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, errors.New("unexpected positional arguments")
	}
	v := new(schedValue)
	var (
		interval string
		keywords *starlark.List
	)
	if err := starlark.UnpackArgs("schedule", args, kwargs,
		"name", &v.def.Name,
		"interval?", &interval,
		"keywords?", &keywords,
		"check_titles?", &v.checkTitles,
		"check_dates?", &v.checkDates,
		"max_age_days?", &v.maxAgeDays,
	); err != nil {
		return nil, err
	}

	var err error
	if interval != "" {
		if v.def.Interval, err = time.ParseDuration(interval); err != nil {
			return nil, fmt.Errorf("schedule %q: bad interval: %w", v.def.Name, err)
		}
	}
	if v.def.Keywords, err = stringList(keywords); err != nil {
		return nil, fmt.Errorf("schedule %q: keywords: %w", v.def.Name, err)
	}
	return v, nil
}

// Parse evaluates the Starlark configuration in src and validates it.
// filename is used in error messages only.
func Parse(filename, src string, logf logger.Logf) (*Config, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Print: func(_ *starlark.Thread, msg string) { logf("%s", msg) },
		},
		filename,
		src,
		starlark.StringDict{
			"subscription": starlark.NewBuiltin("subscription", subscriptionBuiltin),
			"schedule":     starlark.NewBuiltin("schedule", scheduleBuiltin),
		},
	)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AllowGuilds: make(map[string]bool),
		Defaults:    defaultDefaults,
	}

	subsList, ok := globals["subscriptions"].(*starlark.List)
	if !ok {
		return nil, errors.New("subscriptions must be defined and be a list")
	}
	seen := make(map[string]bool)
	for elem := range subsList.Elements() {
		v, ok := elem.(*subValue)
		if !ok {
			continue
		}
		sub := v.sub
		if sub.ID == "" || seen[sub.ID] {
			return nil, fmt.Errorf("subscription with missing or duplicate id %q", sub.ID)
		}
		seen[sub.ID] = true
		if _, err := url.ParseRequestURI(sub.URL); err != nil {
			return nil, fmt.Errorf("subscription %q: invalid URL %q", sub.ID, sub.URL)
		}
		if err := dedup.ValidateComparisonFields(sub.Overrides.ComparisonFields); err != nil {
			return nil, fmt.Errorf("subscription %q: %w", sub.ID, err)
		}
		if sub.Overrides.CheckTitles, err = optBool(v.checkTitles); err != nil {
			return nil, fmt.Errorf("subscription %q: check_titles: %w", sub.ID, err)
		}
		if sub.Overrides.CheckDates, err = optBool(v.checkDates); err != nil {
			return nil, fmt.Errorf("subscription %q: check_dates: %w", sub.ID, err)
		}
		if sub.Overrides.MaxAgeDays, err = optInt(v.maxAgeDays); err != nil {
			return nil, fmt.Errorf("subscription %q: max_age_days: %w", sub.ID, err)
		}
		cfg.Subscriptions = append(cfg.Subscriptions, &sub)
	}

	if schedList, ok := globals["schedules"].(*starlark.List); ok {
		names := make(map[string]bool)
		for elem := range schedList.Elements() {
			v, ok := elem.(*schedValue)
			if !ok {
				continue
			}
			def := v.def
			if def.Name == "" || names[def.Name] {
				return nil, fmt.Errorf("schedule with missing or duplicate name %q", def.Name)
			}
			names[def.Name] = true
			if def.Name != schedule.DefaultName && len(def.Keywords) == 0 {
				return nil, fmt.Errorf("schedule %q: %w", def.Name, schedule.ErrNoKeywords)
			}
			sd := new(feed.ScheduleDefaults)
			if sd.CheckTitles, err = optBool(v.checkTitles); err != nil {
				return nil, fmt.Errorf("schedule %q: check_titles: %w", def.Name, err)
			}
			if sd.CheckDates, err = optBool(v.checkDates); err != nil {
				return nil, fmt.Errorf("schedule %q: check_dates: %w", def.Name, err)
			}
			if sd.MaxAgeDays, err = optInt(v.maxAgeDays); err != nil {
				return nil, fmt.Errorf("schedule %q: max_age_days: %w", def.Name, err)
			}
			if sd.CheckTitles != nil || sd.CheckDates != nil || sd.MaxAgeDays != nil {
				def.Defaults = sd
			}
			cfg.Schedules = append(cfg.Schedules, def)
		}
	}

	if guilds, ok := globals["cookie_guilds"].(*starlark.List); ok {
		list, err := stringList(guilds)
		if err != nil {
			return nil, fmt.Errorf("cookie_guilds: %w", err)
		}
		for _, g := range list {
			cfg.AllowGuilds[g] = true
		}
	}
	if kws, ok := globals["reserved_keywords"].(*starlark.List); ok {
		if cfg.ReservedKeywords, err = stringList(kws); err != nil {
			return nil, fmt.Errorf("reserved_keywords: %w", err)
		}
	}

	if v, ok := globals["check_titles"]; ok {
		b, ok := v.(starlark.Bool)
		if !ok {
			return nil, errors.New("check_titles must be a bool")
		}
		cfg.Defaults.CheckTitles = bool(b)
	}
	if v, ok := globals["check_dates"]; ok {
		b, ok := v.(starlark.Bool)
		if !ok {
			return nil, errors.New("check_dates must be a bool")
		}
		cfg.Defaults.CheckDates = bool(b)
	}
	if v, ok := globals["max_age_days"]; ok {
		n, err := starlark.AsInt32(v)
		if err != nil {
			return nil, fmt.Errorf("max_age_days: %w", err)
		}
		cfg.Defaults.MaxAgeDays = n
	}

	return cfg, nil
}

func stringList(list *starlark.List) ([]string, error) {
	if list == nil {
		return nil, nil
	}
	var out []string
	for elem := range list.Elements() {
		s, ok := starlark.AsString(elem)
		if !ok {
			return nil, fmt.Errorf("%s is not a string", elem)
		}
		out = append(out, s)
	}
	return out, nil
}

func optBool(v starlark.Value) (*bool, error) {
	if v == nil {
		return nil, nil
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return nil, fmt.Errorf("%s is not a bool", v)
	}
	val := bool(b)
	return &val, nil
}

func optInt(v starlark.Value) (*int, error) {
	if v == nil {
		return nil, nil
	}
	n, err := starlark.AsInt32(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
