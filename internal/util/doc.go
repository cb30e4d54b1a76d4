// Package util holds small helpers shared across packages, mainly for
// safely rendering credential and digest prefixes in logs.
package util
