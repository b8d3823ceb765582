package defs

import "time"

type WorkerListItem struct {
	WorkerId  string    `json:"workerId"`
	ProcessId int       `json:"processId"`
	UserId    uint32    `json:"userId"`
	GroupId   uint32    `json:"groupId"`
	Dir       string    `json:"dir"`
	State     string    `json:"state"`
	Started   time.Time `json:"started"`
}

type WorkerStatus struct {
	WorkerListItem
	Alive    bool `json:"alive"`
	Busy     bool `json:"busy"`
	Queued   int  `json:"queued"`
	Pending  int  `json:"pending"`
	Served   int  `json:"served"`
	ExitCode *int `json:"exitCode,omitempty"`
}
