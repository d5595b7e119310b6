// Package receipt persists the outcome of a publish attempt as a YAML file,
// so later runs and other tooling can find the app and content version that
// were published.
package receipt
