package service

// Server serves debug sessions to clients accepted on a listener.
type Server interface {
	Run()
	Stop()
}
