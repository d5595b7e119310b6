// Package events defines the structured event sink injected into every
// publishing component.
//
// Components emit named events with fields instead of writing to shared
// state; the CLI wires a logging sink and, optionally, a webhook sink so
// pipelines can follow a publish from outside.
package events
