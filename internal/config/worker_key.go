package config

type WorkerKeyStruct struct {
	PersistViolationsQueue  string
	PersistAnswersQueue     string
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue:  "persist_violations_queue",
	PersistAnswersQueue:     "persist_answers_queue",
	PersistSubmissionsQueue: "persist_submissions_queue",
}
