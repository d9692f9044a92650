package dto

import "time"

type GroupInfo struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

type OrderAcceptedResponse struct {
	TaskID   string `json:"task_id"`
	Action   string `json:"action"`
	Username string `json:"username"`
	State    string `json:"state"`
}

type TaskStatusResponse struct {
	TaskID    string      `json:"task_id"`
	Action    string      `json:"action"`
	Username  string      `json:"username"`
	UID       int         `json:"uid"`
	Groups    []GroupInfo `json:"groups"`
	State     string      `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type ListTasksResponse struct {
	Tasks []TaskStatusResponse `json:"tasks"`
	Count int                  `json:"count"`
}
