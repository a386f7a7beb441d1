package service

type App struct {
	Events       *EventService
	Commands     *CommandService
	ForwardPorts *ForwardPortService
	Updates      *UpdateService
	Reclaims     *ReclaimService
	Reminders    *ReminderService
	Sync         *SyncService
}

func NewApp(
	events *EventService,
	commands *CommandService,
	forwardPorts *ForwardPortService,
	updates *UpdateService,
	reclaims *ReclaimService,
	reminders *ReminderService,
	sync *SyncService,
) *App {
	return &App{
		Events:       events,
		Commands:     commands,
		ForwardPorts: forwardPorts,
		Updates:      updates,
		Reclaims:     reclaims,
		Reminders:    reminders,
		Sync:         sync,
	}
}
