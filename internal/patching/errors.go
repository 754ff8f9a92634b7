// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package patching

import (
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/modrt/pkg/modapi"
)

// Error codes for patching failures.
const (
	CodeProtectedNamespace = "PATCH_PROTECTED_NAMESPACE"
	CodeUnknownMethod      = "PATCH_UNKNOWN_METHOD"
	CodeUnknownParameter   = "PATCH_UNKNOWN_PARAMETER"
	CodeTypeMismatch       = "PATCH_TYPE_MISMATCH"
	CodeNoReturn           = "PATCH_NO_RETURN"
	CodeNilPatch           = "PATCH_NIL_FUNC"
	CodeInvalidHook        = "PATCH_INVALID_HOOK"
	CodePatchOwned         = "PATCH_OWNED"
)

// ErrDisposed is returned by operations on a disposed patcher.
var ErrDisposed = errors.New("patcher disposed")

// ErrProtectedNamespace creates an error for a patch aimed at a protected
// namespace.
func ErrProtectedNamespace(method, namespace string) error {
	return oops.In("patching").
		Code(CodeProtectedNamespace).
		With("method", method).
		With("namespace", namespace).
		Errorf("method %s is in protected namespace %s", method, namespace)
}

// ErrUnknownMethod creates an error for a method the patcher never declared.
func ErrUnknownMethod(method string) error {
	return oops.In("patching").
		Code(CodeUnknownMethod).
		With("method", method).
		Hint("host methods must be declared before they can be patched").
		Errorf("unknown method: %s", method)
}

func errUnknownParameter(name string) error {
	return oops.In("patching").
		Code(CodeUnknownParameter).
		With("parameter", name).
		Errorf("unknown parameter: %s", name)
}

func errNoReturn(method string) error {
	return oops.In("patching").
		Code(CodeNoReturn).
		With("method", method).
		Errorf("method %s has no return value", method)
}

func errNilPatch(method string) error {
	return oops.In("patching").
		Code(CodeNilPatch).
		With("method", method).
		Errorf("nil patch function for %s", method)
}

func errInvalidHook(method string, hook modapi.HookType) error {
	return oops.In("patching").
		Code(CodeInvalidHook).
		With("method", method).
		With("hook", int(hook)).
		Errorf("invalid hook type %d for %s", int(hook), method)
}

func errPatchOwned(method, id, owner string) error {
	return oops.In("patching").
		Code(CodePatchOwned).
		With("method", method).
		With("id", id).
		With("owner", owner).
		Errorf("patch %s on %s belongs to %s", id, method, owner)
}
