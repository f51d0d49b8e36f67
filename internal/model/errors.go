package model

import (
	"errors"
)

var (
	ErrISOFormat  = errors.New("invalid ISO8601 duration")
	ErrNoSchedule = errors.New("both cron and duration are empty")
)
