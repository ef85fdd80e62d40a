package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/randalmurphal/beacon/pkg/beacon"
	"github.com/randalmurphal/beacon/pkg/beacon/config"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
)

// command carries what every subcommand needs.
type command struct {
	ctx      context.Context
	settings config.Settings
	logger   *slog.Logger
	opts     options
	stdout   io.Writer
}

func (c *command) open() (*beacon.Client, error) {
	return beacon.New(c.settings, beacon.WithLogger(c.logger))
}

func (c *command) track(args []string) error {
	if len(args) == 0 {
		return &usageError{msg: "track: event name required"}
	}
	props, err := parseProperties(args[1:])
	if err != nil {
		return err
	}

	client, err := c.open()
	if err != nil {
		return err
	}
	defer client.Close()

	var eventOpts []beacon.EventOption
	if c.opts.user != "" {
		eventOpts = append(eventOpts, beacon.WithUser(c.opts.user, nil))
	}
	if err := client.Track(args[0], props, eventOpts...); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	return c.maybeSend(client)
}

func (c *command) identify(args []string) error {
	if len(args) == 0 {
		return &usageError{msg: "identify: user id required"}
	}
	traits, err := parseProperties(args[1:])
	if err != nil {
		return err
	}

	client, err := c.open()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Identify(args[0], traits); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	return c.maybeSend(client)
}

func (c *command) maybeSend(client *beacon.Client) error {
	if !c.opts.send {
		fmt.Fprintf(c.stdout, "queued (%d pending)\n", len(client.PendingEvents()))
		return nil
	}
	return c.deliver(client)
}

func (c *command) pending(args []string) error {
	if len(args) > 0 {
		return &usageError{msg: "pending takes no arguments"}
	}
	client, err := c.open()
	if err != nil {
		return err
	}
	defer client.Close()

	events := client.PendingEvents()
	if c.opts.asJSON {
		enc := json.NewEncoder(c.stdout)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tTIMESTAMP")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			e.ID(), e.Type(), e.Name(), e.Timestamp().UTC().Format(payload.TimestampFormat))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d pending, anonymous id %s\n", len(events), client.AnonymousID())
	return nil
}

func (c *command) flush(args []string) error {
	if len(args) > 0 {
		return &usageError{msg: "flush takes no arguments"}
	}
	client, err := c.open()
	if err != nil {
		return err
	}
	defer client.Close()
	return c.deliver(client)
}

// deliver starts the client, flushes, and reports what is left.
func (c *command) deliver(client *beacon.Client) error {
	if err := client.Start(c.ctx); err != nil {
		return err
	}
	drained := client.Flush(c.opts.timeout)
	stats := client.Stats()
	remaining := len(client.PendingEvents())

	fmt.Fprintf(c.stdout, "delivered %d, dropped %d, pending %d\n",
		stats.Delivered, stats.Dropped, remaining)
	if !drained {
		return fmt.Errorf("flush did not finish within %s", c.opts.timeout)
	}
	if remaining > 0 {
		return fmt.Errorf("%d events could not be delivered and will be retried", remaining)
	}
	return nil
}

func (c *command) reset(args []string) error {
	if len(args) > 0 {
		return &usageError{msg: "reset takes no arguments"}
	}
	client, err := c.open()
	if err != nil {
		return err
	}
	defer client.Close()

	dropped := len(client.PendingEvents())
	if err := client.Reset(c.ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "reset: %d pending events discarded, new anonymous id %s\n",
		dropped, client.AnonymousID())
	return nil
}

// parseProperties reads key=value pairs. A value that parses as JSON keeps
// its JSON type; anything else is a string.
func parseProperties(pairs []string) (event.Properties, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(event.Properties, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, &usageError{msg: fmt.Sprintf("property %q: want key=value", pair)}
		}
		if !event.ValidKey(key) {
			return nil, &usageError{msg: fmt.Sprintf("property %q: invalid key", key)}
		}
		props[key] = parseValue(raw)
	}
	return props, nil
}

func parseValue(raw string) event.Value {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil || dec.More() {
		return event.String(raw)
	}
	v, err := event.FromAny(x)
	if err != nil {
		return event.String(raw)
	}
	return v
}
