package main

// Linux input event constants (linux/input-event-codes.h)
const (
	EV_KEY = 0x01

	KEY_NEXTSONG     = 163
	KEY_PLAYPAUSE    = 164
	KEY_PREVIOUSSONG = 165
	KEY_PLAYCD       = 200
	KEY_PAUSECD      = 201
)

// evValuePress is the key-down value; 0 is release and 2 is autorepeat.
const evValuePress = 1
