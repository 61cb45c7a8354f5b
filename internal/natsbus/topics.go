package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(runID, agentID string) string {
	return fmt.Sprintf("hive.%s.agent.%s.inbox", runID, agentID)
}

func TopicEventsSwarm(runID string) string {
	return fmt.Sprintf("events.swarm.%s", runID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsTask(runID string) string {
	return fmt.Sprintf("events.task.%s", runID)
}

const (
	// TopicIPC receives control requests from hivectl.
	TopicIPC = "hive.ipc"

	TopicEventsScheduler = "events.scheduler"
	TopicEventsAll       = "events.>"
)
