// Package slot manages single-entry storage directories. A slot holds at most one
// file under a canonical name; every write or relocation purges stale entries first.
package slot
