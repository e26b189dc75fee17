package model

import "errors"

var ErrorInvalidUsernameOrPassword = errors.New("invalid username or password")
var ErrorUserNotFound = errors.New("user not found")
var ErrorUsernameTaken = errors.New("username already taken")
var ErrorInvalidUserParams = errors.New("invalid user parameters")

var ErrorInvalidConfiguration = errors.New("invalid session configuration")
var ErrorNotInitialized = errors.New("transport not initialized")
var ErrorSessionNotFound = errors.New("session not found")
var ErrorSessionRunning = errors.New("session already running")
