// Package repository is the authoring side of the update system: a
// filesystem store retaining every signed metadata version plus
// content-addressed target blobs, and a manager that stages targets and
// publishes consistent signed generations atomically.
package repository
