package result

// Aggregate folds the compile result and the ordered execution records into a
// Verdict. The outcome depends only on its arguments.
//
// A failed compile wins outright. Otherwise the first failing record fixes the
// status and message, and only the outputs of the clean records before it are
// kept. Time and memory are maxima over every record.
func Aggregate(compile CompileResult, records []ExecutionRecord) Verdict {
	c := compile
	if !compile.OK {
		return Verdict{
			Status:  StatusCompileError,
			Outputs: []string{},
			Message: compile.Stderr,
			Compile: &c,
		}
	}

	v := Verdict{
		Status:  StatusAccepted,
		Outputs: make([]string, 0, len(records)),
		Compile: &c,
		Records: records,
	}
	failed := false
	for _, rec := range records {
		if rec.TimeMs > v.TimeMs {
			v.TimeMs = rec.TimeMs
		}
		if rec.MemoryKB > v.MemoryKB {
			v.MemoryKB = rec.MemoryKB
		}
		if failed {
			continue
		}
		if rec.Failed() {
			failed = true
			v.Status = failureStatus(rec)
			v.Message = rec.Error
			continue
		}
		v.Outputs = append(v.Outputs, rec.Stdout)
	}
	return v
}

func failureStatus(rec ExecutionRecord) Status {
	switch {
	case rec.Violation:
		return StatusSecurityViolation
	case rec.TimedOut:
		return StatusTimeout
	case rec.Status == StatusAccepted || rec.Status == "":
		return StatusRuntimeError
	default:
		return rec.Status
	}
}

// SandboxFailure builds the verdict for an infrastructure fault.
func SandboxFailure(message string) Verdict {
	return Verdict{
		Status:  StatusSandboxError,
		Outputs: []string{},
		Message: message,
	}
}
