// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Metadata and dependency errors.
var (
	// ErrMetadataTruncated indicates the patch metadata file ended before a field could be read.
	ErrMetadataTruncated = &PatchError{
		Kind:   ErrInvalidMetadata,
		Detail: "metadata truncated",
	}

	// ErrUnknownMetadataType indicates the leading type byte was neither apply nor revert.
	ErrUnknownMetadataType = &PatchError{
		Kind:   ErrInvalidMetadata,
		Detail: "unknown metadata type",
	}

	// ErrNoPatchUnits indicates an apply metadata named zero patch units.
	ErrNoPatchUnits = &PatchError{
		Kind:   ErrInvalidMetadata,
		Detail: "no patch units specified",
	}

	// ErrPatchNotApplied indicates a revert or status query named a patch that is not applied.
	ErrPatchNotApplied = &PatchError{
		Kind:   ErrInvalidMetadata,
		Detail: "patch not applied",
	}

	// ErrDependentsExist indicates a revert was rejected because other applied patches depend on it.
	ErrDependentsExist = &PatchError{
		Kind:   ErrDependencyMissing,
		Detail: "other applied patches depend on this patch",
	}
)

// Target/agent discovery errors.
var (
	// ErrNoAgentObject indicates no loaded object exposed the agent sentinel symbols.
	ErrNoAgentObject = &PatchError{
		Kind:   ErrAgentMissing,
		Detail: "no agent object found in target",
	}

	// ErrAmbiguousAgent indicates more than one loaded object exposed agent sentinel symbols.
	ErrAmbiguousAgent = &PatchError{
		Kind:   ErrAgentMissing,
		Detail: "multiple agent-like objects found in target",
	}

	// ErrAgentConstructorPending indicates the agent's load_state flag is still zero.
	ErrAgentConstructorPending = &PatchError{
		Kind:   ErrAgentNotReady,
		Detail: "agent constructor has not run",
	}

	// ErrTargetObjectNotFound indicates the PatchedObject.name path was not found among loaded objects.
	ErrTargetObjectNotFound = &PatchError{
		Kind:   ErrAgentMissing,
		Detail: "target object not found in process",
	}
)

// ELF and symbol resolution errors.
var (
	// ErrBuildIdNoteAbsent indicates PT_NOTE contained no NT_GNU_BUILD_ID entry.
	ErrBuildIdNoteAbsent = &PatchError{
		Kind:   ErrBuildIdMismatch,
		Detail: "build-id note absent",
	}

	// ErrSymbolNotFound indicates a named symbol is absent from an object's symbol table.
	ErrSymbolNotFound = &PatchError{
		Kind:   ErrSymbolMissing,
		Detail: "symbol not found",
	}

	// ErrUlpSectionMissing indicates the target library has no .ulp jump-slot section.
	ErrUlpSectionMissing = &PatchError{
		Kind:   ErrSymbolMissing,
		Detail: ".ulp section missing",
	}
)

// Rewriter errors.
var (
	// ErrNopPadTooShort indicates a function's NOP pad is shorter than the prologue template.
	ErrNopPadTooShort = &PatchError{
		Kind:   ErrMemoryProtectionFailed,
		Detail: "NOP pad shorter than prologue template",
	}

	// ErrMprotectFailed indicates an mprotect syscall failed.
	ErrMprotectFailed = &PatchError{
		Kind:   ErrMemoryProtectionFailed,
		Detail: "mprotect failed",
	}

	// ErrInconsistentRewrite indicates a call site was rewritten but its detour record could not be installed.
	ErrInconsistentRewrite = &PatchError{
		Kind:   ErrHijackFatal,
		Detail: "call site rewritten without a consistent detour record",
	}
)

// Hijack protocol errors.
var (
	// ErrAttachFailed indicates ptrace attach failed for one or more threads.
	ErrAttachFailed = &PatchError{
		Kind:   ErrHijackFailed,
		Detail: "attach failed",
	}

	// ErrDetachFailed indicates ptrace detach failed during rollback; fatal.
	ErrDetachFailed = &PatchError{
		Kind:   ErrHijackFatal,
		Detail: "detach failed during rollback",
	}

	// ErrNotStopped indicates a thread did not report itself stopped after a wait.
	ErrNotStopped = &PatchError{
		Kind:   ErrHijackFailed,
		Detail: "thread not stopped",
	}

	// ErrTestlocksRetry indicates testlocks reported EAGAIN; caller should retry.
	ErrTestlocksRetry = &PatchError{
		Kind:   ErrLocksHeld,
		Detail: "allocator or dynamic-linker locks held",
	}

	// ErrTestlocksFatal indicates testlocks reported a fatal introspection failure.
	ErrTestlocksFatal = &PatchError{
		Kind:   ErrHijackFatal,
		Detail: "testlocks introspection failed",
	}

	// ErrRetriesExhausted indicates the bounded LocksHeld retry loop gave up.
	ErrRetriesExhausted = &PatchError{
		Kind:   ErrLocksHeld,
		Detail: "retries exhausted waiting for locks to clear",
	}
)
