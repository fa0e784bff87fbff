package protocol

// Event is an out-of-band server notification, delivered independently of
// command responses. Ordering between events is preserved; ordering
// relative to data frames is server-determined.
type Event uint8

const (
	EventConnected               Event = 1
	EventConnectionClosed        Event = 2
	EventCaptureStarted          Event = 3
	EventCaptureStopped          Event = 4
	EventCalibrationStarted      Event = 6
	EventCalibrationStopped      Event = 7
	EventRTFromFileStarted       Event = 8
	EventRTFromFileStopped       Event = 9
	EventWaitingForTrigger       Event = 10
	EventCameraSettingsChanged   Event = 11
	EventQTMShuttingDown         Event = 12
	EventCaptureSaved            Event = 13
	EventReprocessingStarted     Event = 14
	EventReprocessingStopped     Event = 15
	EventTrigger                 Event = 16
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventConnectionClosed:
		return "connection_closed"
	case EventCaptureStarted:
		return "capture_started"
	case EventCaptureStopped:
		return "capture_stopped"
	case EventCalibrationStarted:
		return "calibration_started"
	case EventCalibrationStopped:
		return "calibration_stopped"
	case EventRTFromFileStarted:
		return "rt_from_file_started"
	case EventRTFromFileStopped:
		return "rt_from_file_stopped"
	case EventWaitingForTrigger:
		return "waiting_for_trigger"
	case EventCameraSettingsChanged:
		return "camera_settings_changed"
	case EventQTMShuttingDown:
		return "qtm_shutting_down"
	case EventCaptureSaved:
		return "capture_saved"
	case EventReprocessingStarted:
		return "reprocessing_started"
	case EventReprocessingStopped:
		return "reprocessing_stopped"
	case EventTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}
