// Package httputil provides shared HTTP response/request utilities for the
// import API handlers: one JSON envelope for errors, attachment headers for
// report downloads, and strict JSON decoding.
package httputil
