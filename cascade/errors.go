/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import "fmt"

// ReplaceError is returned by a Replacer's Apply.
type ReplaceError struct {
	Kind string // "MissingSoa" | "MultipleSoas"
}

func (e *ReplaceError) Error() string {
	return fmt.Sprintf("replace error: %s", e.Kind)
}

var (
	ErrMissingSoa   = &ReplaceError{Kind: "MissingSoa"}
	ErrMultipleSoas = &ReplaceError{Kind: "MultipleSoas"}
)

// PatchError is returned by the patchset folding and commit paths.
type PatchError struct {
	Kind string // "Empty" | "MissingSoaChange" | "MultipleSoasAdded" | "Inconsistency"
	Msg  string
}

func (e *PatchError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("patch error: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("patch error: %s", e.Kind)
}

func newPatchError(kind, format string, args ...interface{}) *PatchError {
	return &PatchError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// RefreshError models Loader-side refresh failures.
type RefreshError struct {
	Kind   string // "OutdatedRemote" | "Ixfr" | "Axfr" | "Zonefile" | "MergeIxfr" | "ForwardIxfr"
	Local  uint32
	Remote uint32
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Kind == "OutdatedRemote" {
		return fmt.Sprintf("refresh error: OutdatedRemote(local=%d, remote=%d)", e.Local, e.Remote)
	}
	if e.Err != nil {
		return fmt.Sprintf("refresh error: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("refresh error: %s", e.Kind)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// ReloadError models zonefile/AXFR reload failures.
type ReloadError struct {
	Kind   string // "OutdatedRemote" | "Inconsistent" | "Axfr" | "Zonefile"
	Local  uint32
	Remote uint32
	Err    error
}

func (e *ReloadError) Error() string {
	if e.Kind == "OutdatedRemote" {
		return fmt.Sprintf("reload error: OutdatedRemote(local=%d, remote=%d)", e.Local, e.Remote)
	}
	if e.Err != nil {
		return fmt.Sprintf("reload error: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("reload error: %s", e.Kind)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// ReviewError models review-server level errors.
type ReviewError struct {
	Kind string // "NoSuchZone" | "NotUnderReview"
}

func (e *ReviewError) Error() string {
	return fmt.Sprintf("review error: %s", e.Kind)
}

var (
	ErrNoSuchZone     = &ReviewError{Kind: "NoSuchZone"}
	ErrNotUnderReview = &ReviewError{Kind: "NotUnderReview"}
)

// ManagementError models zone/policy management errors.
type ManagementError struct {
	Kind   string // "AlreadyExists" | "NoSuchPolicy" | "PolicyMidDeletion" | "NotFound" | "ZoneHalted" | "ZoneWithoutSource"
	Reason string
}

func (e *ManagementError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("management error: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("management error: %s", e.Kind)
}

func ErrAlreadyExists(zone string) error {
	return &ManagementError{Kind: "AlreadyExists", Reason: zone}
}

func ErrNoSuchPolicy(name string) error {
	return &ManagementError{Kind: "NoSuchPolicy", Reason: name}
}

func ErrPolicyMidDeletion(name string) error {
	return &ManagementError{Kind: "PolicyMidDeletion", Reason: name}
}

func ErrNotFound(zone string) error {
	return &ManagementError{Kind: "NotFound", Reason: zone}
}

func ErrZoneHalted(reason string) error {
	return &ManagementError{Kind: "ZoneHalted", Reason: reason}
}

func ErrZoneWithoutSource(zone string) error {
	return &ManagementError{Kind: "ZoneWithoutSource", Reason: zone}
}
