// bus/topics.go
package bus

// Well-known topic tokens.
const (
	TokState = "state" // retained SystemState broadcast
	TokHB    = "hb"    // retained heartbeat per task: {hb, <task>}
	TokUI    = "ui"    // operator input events: {ui, event}
	TokEvent = "event"
)

func StateTopic() Topic { return Topic{TokState} }

func HeartbeatTopic(task string) Topic { return Topic{TokHB, task} }

func UIEventTopic() Topic { return Topic{TokUI, TokEvent} }
