package domain

import "time"

type Shop struct {
	ID        uint64
	Name      string
	Address   string
	AvgPrice  int
	CreatedAt time.Time
	UpdatedAt time.Time
}
