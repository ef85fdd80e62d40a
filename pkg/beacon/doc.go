/*
Package beacon records product analytics events and delivers them to a
Segment-compatible collection API.

# Overview

Every event is written to a durable store before the call that created it
returns, then sent by a background dispatcher. Delivery survives process
restarts: whatever was not acknowledged is reloaded and sent on the next
Start. Events the API rejects for good (400, 413, 422) are dropped; every
other failure is retried after the configured delay.

# Basic Usage

	settings := config.Defaults()
	settings.WriteKey = os.Getenv("SEGMENT_WRITE_KEY")
	settings.AppName = "notes"
	settings.AppVersion = "2.4.0"
	settings.AppBuild = "240"
	settings.AppPackage = "com.example.notes"
	settings.StoragePath = filepath.Join(dataDir, "analytics.json")

	client, err := beacon.New(settings)
	if err != nil {
	    log.Fatal(err)
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
	    log.Fatal(err)
	}

	client.Identify("user-42", event.Properties{"plan": event.String("pro")})
	client.Track("Note Created", event.Properties{"words": event.Int(120)})

	// Before exit, give outstanding events a chance to go out.
	client.Flush(5 * time.Second)

# Batching

With batch_mode enabled (the default) events are collected until
max_queue_size are waiting and then posted together to /batch. Flush sends
a partial batch immediately. With batch_mode disabled each event is posted
to its own endpoint (/identify, /track, ...) as soon as it is queued.

# Storage

The store keeps the anonymous id, the identified user, session bookkeeping
and pending events. Settings.StorageBackend selects a JSON file (written
atomically) or a single-row SQLite table; WithBackend supplies any other
store.Backend.

# Observability

Logging uses slog. WithMetrics and WithTracing switch on OpenTelemetry
instruments through the global providers:

	otel.SetMeterProvider(provider)
	client, err := beacon.New(settings, beacon.WithMetrics(), beacon.WithTracing())
*/
package beacon
