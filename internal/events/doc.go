// Package events is a small in-process publish/subscribe bus carrying
// workflow notifications to monitoring consumers such as the /events stream.
package events
