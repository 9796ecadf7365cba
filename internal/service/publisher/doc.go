// Package publisher implements the veriup-repo commands: staging targets,
// publishing signed generations and rotating the root of trust.
package publisher
