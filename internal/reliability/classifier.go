package reliability

// FaultCode identifies a session failure domain.
type FaultCode string

const (
	FaultCapture                 FaultCode = "capture_failed"
	FaultCredentialMissing       FaultCode = "credential_missing"
	FaultAgentConnection         FaultCode = "agent_connection_failed"
	FaultTranscriptionConnection FaultCode = "transcription_connection_failed"
	FaultPlayback                FaultCode = "playback_failed"
)

// IsFatal reports whether a fault must tear the session down. Per-segment
// playback faults self-heal with the next chunk and are only recorded.
func IsFatal(code FaultCode) bool {
	switch code {
	case FaultCapture, FaultCredentialMissing, FaultAgentConnection, FaultTranscriptionConnection:
		return true
	default:
		return false
	}
}

// UserMessage maps a fault to the single user-visible message surfaced for it.
func UserMessage(code FaultCode) string {
	switch code {
	case FaultCapture:
		return "Could not access the screen or microphone. Check capture permissions and devices."
	case FaultCredentialMissing:
		return "Missing API credentials. Configure the agent and transcription keys."
	case FaultAgentConnection:
		return "Lost the connection to the mentor agent."
	case FaultTranscriptionConnection:
		return "Lost the connection to the transcription service."
	case FaultPlayback:
		return "Audio playback failed."
	default:
		return "The session ended unexpectedly."
	}
}

// IsTransientRealtimeCode classifies upstream realtime error codes that are
// expected to self-heal with the next chunk and are swallowed rather than
// escalated.
func IsTransientRealtimeCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "chunk_dropped":
		return true
	default:
		return false
	}
}
