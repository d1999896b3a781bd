// Package spdx decodes SPDX documents into component lists.
package spdx

// Format is the serialization of an SPDX document.
type Format string

// FormatJSON is the only serialization currently handled.
const FormatJSON Format = "json"
