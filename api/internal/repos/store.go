package repos

// Store bundles the repos the stream handlers write through.
type Store struct {
	*ContactsRepo
	*CampaignEventsRepo
	*PushRepo
}

func NewStore(db DBTX) *Store {
	return &Store{
		ContactsRepo:       NewContactsRepo(db),
		CampaignEventsRepo: NewCampaignEventsRepo(db),
		PushRepo:           NewPushRepo(db),
	}
}
