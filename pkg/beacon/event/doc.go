// Package event defines the analytics event model.
//
// # Event Kinds
//
// Five kinds exist: identify, alias, group, track and screen. Each kind
// supports a different subset of fields:
//
//	kind      category  properties  userID/traits
//	identify  -         -           yes
//	alias     -         -           -
//	group     -         -           yes
//	track     -         yes         yes
//	screen    yes       yes         yes
//
// Events are built by a Factory, which draws identifiers from an
// IDSource (normally the durable store) and silently drops fields the
// kind does not support:
//
//	f := event.NewFactory(store)
//	evt := f.Track("Song Played", event.Properties{
//	    "title":  event.String("Blue in Green"),
//	    "length": event.Int(337),
//	}, userID, nil)
//
// # Values
//
// Properties and traits hold Value, a tagged union over the JSON value
// set. FromAny and PropertiesFromMap convert plain Go maps.
//
// # Storage Format
//
// Events encode to a JSON document with the id as an integer, the type
// as its symbolic name and the timestamp as epoch milliseconds:
//
//	{"id":7,"type":"screen","name":"Settings","category":"Prefs","timestamp":1700000000123}
//
// Decode validates the document and reports unexpected fields instead
// of failing on them.
package event
