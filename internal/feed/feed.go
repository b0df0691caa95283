// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed defines the data model shared by the retrieval engine:
// subscriptions, their per-subscriber options, and fetched feed items
// annotated with a stable identity.
package feed

import (
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
)

// Destination is the delivery target of a subscription.
type Destination struct {
	Channel string `json:"channel,omitempty"`
	Webhook string `json:"webhook,omitempty"`
}

// RequestOptions are per-request options a subscription may declare, such as
// authentication cookies. A subscription carrying non-empty request options
// is fetched separately from other subscriptions sharing its URL.
type RequestOptions struct {
	Cookies   string `json:"cookies,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Empty reports whether o carries no options.
func (o *RequestOptions) Empty() bool {
	return o == nil || (o.Cookies == "" && o.UserAgent == "")
}

// Overrides are per-subscription overrides of the schedule-level and global
// classification defaults. Nil fields mean "inherit".
type Overrides struct {
	CheckTitles      *bool    `json:"check_titles,omitempty"`
	CheckDates       *bool    `json:"check_dates,omitempty"`
	MaxAgeDays       *int     `json:"max_age_days,omitempty"`
	ComparisonFields []string `json:"comparison_fields,omitempty"`
}

// Subscription binds one guild's feed URL to a delivery destination.
type Subscription struct {
	ID          string          `json:"id"`
	Guild       string          `json:"guild"`
	URL         string          `json:"url"`
	Destination Destination     `json:"destination"`
	Overrides   Overrides       `json:"overrides"`
	Request     *RequestOptions `json:"request,omitempty"`
}

func (s *Subscription) String() string { return fmt.Sprintf("<subscription %s %s>", s.ID, s.URL) }

// Defaults are the classification settings applied when a subscription does
// not override them. Schedules may carry their own Defaults layered between
// the subscription and the global ones.
type Defaults struct {
	CheckTitles bool `json:"check_titles"`
	CheckDates  bool `json:"check_dates"`
	MaxAgeDays  int  `json:"max_age_days"`
}

// Options are the fully resolved classification settings for one subscriber.
type Options struct {
	CheckTitles      bool
	CheckDates       bool
	MaxAgeDays       int
	ComparisonFields []string
}

// ScheduleDefaults are optional schedule-level defaults. Nil fields fall
// through to the global Defaults.
type ScheduleDefaults struct {
	CheckTitles *bool
	CheckDates  *bool
	MaxAgeDays  *int
}

// Resolve computes the effective options for a subscription: local override,
// else schedule-level default, else global default.
func Resolve(sub *Subscription, sched *ScheduleDefaults, global Defaults) Options {
	opts := Options{
		CheckTitles:      global.CheckTitles,
		CheckDates:       global.CheckDates,
		MaxAgeDays:       global.MaxAgeDays,
		ComparisonFields: sub.Overrides.ComparisonFields,
	}
	if sched != nil {
		if sched.CheckTitles != nil {
			opts.CheckTitles = *sched.CheckTitles
		}
		if sched.CheckDates != nil {
			opts.CheckDates = *sched.CheckDates
		}
		if sched.MaxAgeDays != nil {
			opts.MaxAgeDays = *sched.MaxAgeDays
		}
	}
	if sub.Overrides.CheckTitles != nil {
		opts.CheckTitles = *sub.Overrides.CheckTitles
	}
	if sub.Overrides.CheckDates != nil {
		opts.CheckDates = *sub.Overrides.CheckDates
	}
	if sub.Overrides.MaxAgeDays != nil {
		opts.MaxAgeDays = *sub.Overrides.MaxAgeDays
	}
	return opts
}

// Item is a fetched feed item annotated with its resolved identity and
// classification flags.
type Item struct {
	*gofeed.Item

	Identity string
	IsOld    bool
	IsNew    bool
}

// Published returns the item's parsed publish date, or the zero time if the
// feed did not carry a valid one.
func (it *Item) Published() time.Time {
	if it.Item == nil || it.Item.PublishedParsed == nil {
		return time.Time{}
	}
	return *it.Item.PublishedParsed
}
