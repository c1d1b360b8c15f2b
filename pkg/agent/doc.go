// Agent carries out the update actions the device update service sends over
// MQTT. It keeps the communication channel connected, parses each action
// into a workflow, drives the workflow through the phases of its update
// handler and reports the workflow's progress back to the service.
//
// The Agent makes no decision of its own about what to install. It
// interprets the action it was last sent: a new deployment, a retry or
// replacement of the running one, or a request to cancel it.
package agent
