package helloworld

import "time"

// EventName triggers the hello-world workflow
const EventName = "test/hello.world"

// RecordName is the name given to records the workflow creates
const RecordName = "inngest workflow testing... "

// Record is a row created by the workflow's final step
type Record struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Output is the run output
type Output struct {
	Message string  `json:"message"`
	Record  *Record `json:"record"`
}
